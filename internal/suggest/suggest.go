// Package suggest picks "did you mean" candidates for misspelled names.
package suggest

import "github.com/hbollon/go-edlib"

// DefaultThreshold is the minimum Levenshtein similarity for a suggestion.
const DefaultThreshold = 0.6

// Closest returns the candidate most similar to input, or "" when none
// reaches minSim.
func Closest(input string, candidates []string, minSim float32) string {
	best := ""
	var bestScore float32
	for _, c := range candidates {
		score, err := edlib.StringsSimilarity(input, c, edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < minSim {
		return ""
	}
	return best
}

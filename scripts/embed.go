// Package scripts holds the Risor rule scripts compiled into understory.
package scripts

import "embed"

// FS contains rules/<id>.risor for every built-in rule.
//
//go:embed rules/*.risor
var FS embed.FS

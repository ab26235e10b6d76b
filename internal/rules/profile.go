package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	uerrors "github.com/jward/understory/internal/errors"
)

// Profile is a rule profile file: a list of rule configurations.
type Profile struct {
	Rules []RuleConfig `json:"rules" yaml:"rules" toml:"rules"`
}

// LoadProfile reads a .toml, .yaml/.yml or .json profile.
func LoadProfile(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read profile: %w", err)
	}
	return DecodeProfile(path, data)
}

// DecodeProfile decodes profile content, choosing the format from path's
// extension.
func DecodeProfile(path string, data []byte) ([]RuleConfig, error) {
	var p Profile
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &p)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	case ".json":
		err = json.Unmarshal(data, &p)
	default:
		return nil, &uerrors.ConfigSemanticError{Path: path, Reason: "unsupported profile format, use .toml, .yaml or .json"}
	}
	if err != nil {
		return nil, &uerrors.ConfigSyntaxError{Path: path, Underlying: err}
	}
	return p.Rules, nil
}

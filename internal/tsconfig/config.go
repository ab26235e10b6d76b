package tsconfig

import (
	"encoding/json"
	"fmt"
	"os"

	uerrors "github.com/jward/understory/internal/errors"
)

// Reference is one entry of a tsconfig "references" array.
type Reference struct {
	Path string `json:"path"`
}

// RawConfig is the subset of tsconfig.json understory interprets.
// CompilerOptions keeps raw values so unknown keys can be reported.
type RawConfig struct {
	CompilerOptions map[string]json.RawMessage `json:"compilerOptions"`
	Files           json.RawMessage            `json:"files"`
	Include         json.RawMessage            `json:"include"`
	Exclude         json.RawMessage            `json:"exclude"`
	Extends         json.RawMessage            `json:"extends"`
	References      []Reference                `json:"references"`
}

// ReadConfig reads and decodes a JSONC tsconfig file. A file that cannot be
// decoded yields a ConfigSyntaxError.
func ReadConfig(path string) (*RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tsconfig %s: %w", path, err)
	}
	return DecodeConfig(path, data)
}

// DecodeConfig decodes JSONC tsconfig content read from path.
func DecodeConfig(path string, data []byte) (*RawConfig, error) {
	cfg := &RawConfig{}
	if err := json.Unmarshal(StripJSONC(data), cfg); err != nil {
		return nil, &uerrors.ConfigSyntaxError{Path: path, Underlying: err}
	}
	return cfg, nil
}

// StringList decodes a JSON array of strings. A missing field decodes to
// (nil, false, nil).
func StringList(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// ExtendsList decodes "extends", which may be a string or an array.
func ExtendsList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

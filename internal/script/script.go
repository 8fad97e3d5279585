// Package script reads, checks and writes replay scripts. Scripts are stored
// as YAML (.yaml, .yml) or JSON (.json).
package script

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Format is the on-disk encoding of a script.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// CurrentVersion is written into scripts saved by this package.
const CurrentVersion = 1

// ErrUnknownFormat is returned for file extensions that are not a script format.
var ErrUnknownFormat = errors.New("script: unknown file format")

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// IsScriptFile reports whether path has a script extension.
func IsScriptFile(path string) bool {
	_, err := FormatOf(path)
	return err == nil
}

// Load reads and checks the script at path. A leading ~ is expanded. Decode
// and consistency failures are *schemas.ReplayError with StatusScriptParseError.
func Load(path string) (*schemas.Script, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand script path %q: %w", path, err)
	}
	format, err := FormatOf(expanded)
	if err != nil {
		return nil, parseError(expanded, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", expanded, err)
	}
	s, err := Parse(data, format)
	if err != nil {
		return nil, parseError(expanded, err)
	}
	return s, nil
}

// Parse decodes and checks a script.
func Parse(data []byte, format Format) (*schemas.Script, error) {
	var s schemas.Script
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, &schemas.ReplayError{Code: schemas.StatusScriptParseError, Message: "invalid YAML", Cause: err}
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &schemas.ReplayError{Code: schemas.StatusScriptParseError, Message: "invalid JSON", Cause: err}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := Check(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Marshal encodes s in the given format.
func Marshal(s *schemas.Script, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return nil, fmt.Errorf("failed to encode script: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode script: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode script: %w", err)
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Save writes s to path through a temporary file so readers never see a
// partial script.
func Save(path string, s *schemas.Script) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand script path %q: %w", path, err)
	}
	format, err := FormatOf(expanded)
	if err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = CurrentVersion
	}
	data, err := Marshal(s, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(expanded); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create script directory: %w", err)
		}
	}
	tmp := expanded + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	if err := os.Rename(tmp, expanded); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace script %s: %w", expanded, err)
	}
	return nil
}

// List returns the script files directly under dir, sorted by name.
func List(dir string) ([]string, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand script directory %q: %w", dir, err)
	}
	entries, err := os.ReadDir(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts in %s: %w", expanded, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsScriptFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(expanded, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func parseError(path string, err error) error {
	var re *schemas.ReplayError
	if errors.As(err, &re) {
		return &schemas.ReplayError{
			Code:    re.Code,
			Message: fmt.Sprintf("%s: %s", filepath.Base(path), re.Message),
			Event:   re.Event,
			Cause:   re.Cause,
		}
	}
	return &schemas.ReplayError{Code: schemas.StatusScriptParseError, Message: filepath.Base(path), Cause: err}
}

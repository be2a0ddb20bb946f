package descriptor

import (
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Format is the descriptor's on-disk serialization.
type Format uint8

const (
	FormatJSON Format = iota
	FormatYAML
)

func (f Format) String() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// ParseFormat maps an --output flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return 0, apperrors.New(apperrors.DescInvalidFormat, "unsupported descriptor format").WithDetail("format", s)
	}
}

// decodeAny tries JSON first, then YAML, matching DescriptorType.load_any's
// try-then-fall-back detection.
func decodeAny(data []byte, out any) (Format, error) {
	if err := json.Unmarshal(data, out); err == nil {
		return FormatJSON, nil
	}
	if err := yaml.Unmarshal(data, out); err == nil {
		return FormatYAML, nil
	}
	return 0, apperrors.New(apperrors.DescInvalidFormat, "input is neither valid JSON nor valid YAML")
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.DescInvalidFormat, "reading descriptor file", err)
	}
	return data, nil
}

func encode(format Format, v any) ([]byte, error) {
	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(v, "", "    ")
		if err != nil {
			return nil, apperrors.Wrap(apperrors.DescInvalidFormat, "encoding descriptor as JSON", err)
		}
		return out, nil
	case FormatYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.DescInvalidFormat, "encoding descriptor as YAML", err)
		}
		return out, nil
	default:
		return nil, apperrors.New(apperrors.DescInvalidFormat, "unknown format")
	}
}

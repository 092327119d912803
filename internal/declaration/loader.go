package declaration

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadLab reads, parses, and validates a VM declaration file.
func LoadLab(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read declaration %q: %w", path, err)
	}
	return LoadLabBytes(data, path)
}

// LoadLabBytes parses and validates a VM declaration set from raw YAML.
// The source parameter is used only for error messages.
func LoadLabBytes(data []byte, source string) (*Lab, error) {
	var lab Lab
	if err := strictDecode(data, &lab); err != nil {
		return nil, fmt.Errorf("declaration %q: %w", source, err)
	}
	if err := ValidateLab(&lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// LoadSwitches reads, parses, and validates a switch declaration file.
func LoadSwitches(path string) (*SwitchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read declaration %q: %w", path, err)
	}
	return LoadSwitchesBytes(data, path)
}

// LoadSwitchesBytes parses and validates a switch declaration set from raw
// YAML.
func LoadSwitchesBytes(data []byte, source string) (*SwitchFile, error) {
	var sf SwitchFile
	if err := strictDecode(data, &sf); err != nil {
		return nil, fmt.Errorf("declaration %q: %w", source, err)
	}
	if err := ValidateSwitches(&sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// strictDecode rejects YAML fields that have no counterpart in the typed
// model, so typos surface as parse errors instead of silently dropped
// configuration.
func strictDecode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}
	return nil
}

package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// polyAFile is the on-disk shape of a poly-A tail config file: a single
// "tail" section, matching Scenario D's fields.
type polyAFile struct {
	Tail PolyATail `yaml:"tail"`
}

// LoadPolyATail parses a poly-A tail configuration file. Parsing itself is
// out of scope per §1 ("Configuration file parsing... out of scope"); what
// this module owns is the resulting struct's validation and derived
// fields (Resolve), exercised by Scenario D.
func LoadPolyATail(path string) (PolyATail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolyATail{}, err
	}
	var f polyAFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return PolyATail{}, err
	}
	return f.Tail, nil
}

// readGroupFile is the on-disk shape of a read-group table file.
type readGroupFile struct {
	ReadGroups ReadGroupTable `yaml:"read_groups"`
}

// LoadReadGroupTable parses the read-group id -> ReadGroup mapping from
// §6 Inputs.
func LoadReadGroupTable(path string) (ReadGroupTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f readGroupFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.ReadGroups, nil
}

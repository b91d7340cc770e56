package threshold

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

// ruleEntry is one rule in the rules file.
type ruleEntry struct {
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
	WarningBand  float64 `yaml:"warning_band"`
	CriticalBand float64 `yaml:"critical_band"`
}

// File is the YAML layout of a rules file:
//
//	defaults:
//	  spo2: {min: 92, max: 100, warning_band: 4, critical_band: 8}
//	patients:
//	  3f0c...:
//	    spo2: {min: 88, max: 100, warning_band: 3, critical_band: 6}
type File struct {
	Defaults map[string]ruleEntry            `yaml:"defaults"`
	Patients map[string]map[string]ruleEntry `yaml:"patients,omitempty"`
}

// LoadFile reads and validates a rules file.
func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseYAML decodes rules from the rules file format.
func ParseYAML(data []byte) ([]*Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	var rules []*Rule
	add := func(patientID *uuid.UUID, param string, s ruleEntry) error {
		r := &Rule{
			PatientID:    patientID,
			Parameter:    vitals.Parameter(param),
			Min:          s.Min,
			Max:          s.Max,
			WarningBand:  s.WarningBand,
			CriticalBand: s.CriticalBand,
		}
		if err := r.Validate(); err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	}

	for param, s := range f.Defaults {
		if err := add(nil, param, s); err != nil {
			return nil, err
		}
	}
	for pid, specs := range f.Patients {
		id, err := uuid.Parse(pid)
		if err != nil {
			return nil, fmt.Errorf("patient %q: %w", pid, err)
		}
		for param, s := range specs {
			if err := add(&id, param, s); err != nil {
				return nil, err
			}
		}
	}
	sortRules(rules)
	return rules, nil
}

// MarshalYAML renders rules in the rules file format.
func MarshalYAML(rules []*Rule) ([]byte, error) {
	f := File{Defaults: map[string]ruleEntry{}}
	for _, r := range rules {
		s := ruleEntry{Min: r.Min, Max: r.Max, WarningBand: r.WarningBand, CriticalBand: r.CriticalBand}
		if r.IsDefault() {
			f.Defaults[string(r.Parameter)] = s
			continue
		}
		if f.Patients == nil {
			f.Patients = map[string]map[string]ruleEntry{}
		}
		pid := r.PatientID.String()
		if f.Patients[pid] == nil {
			f.Patients[pid] = map[string]ruleEntry{}
		}
		f.Patients[pid][string(r.Parameter)] = s
	}
	return yaml.Marshal(f)
}

package docrules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/coverwatch/internal/rules"
)

// fieldRulesFile is the subset of the shared rules file this package reads.
type fieldRulesFile struct {
	Organizations []struct {
		ID         string      `yaml:"id"`
		FieldRules []FieldRule `yaml:"field_rules"`
	} `yaml:"organizations"`
}

// FileSource serves field rules loaded from the YAML rules file.
type FileSource struct {
	byOrg map[string][]FieldRule
}

// LoadFile reads and validates the field rules in the rules file at path.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseYAML(f)
}

// ParseYAML decodes the field_rules sections of a rules file. Rules default
// to active unless the file sets active: false.
func ParseYAML(r io.Reader) (*FileSource, error) {
	var doc fieldRulesFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}

	src := &FileSource{byOrg: make(map[string][]FieldRule)}
	for _, org := range doc.Organizations {
		for i := range org.FieldRules {
			fr := &org.FieldRules[i]
			fr.OrgID = org.ID
			if err := Validate(*fr); err != nil {
				return nil, fmt.Errorf("rules file org %s: %w", org.ID, err)
			}
		}
		src.byOrg[org.ID] = append(src.byOrg[org.ID], org.FieldRules...)
	}
	return src, nil
}

// FieldRules returns the org's rules, falling back to the default org's.
func (s *FileSource) FieldRules(_ context.Context, orgID string) ([]FieldRule, error) {
	if rs, ok := s.byOrg[orgID]; ok {
		return rs, nil
	}
	return s.byOrg[rules.DefaultOrg], nil
}

// UnmarshalYAML defaults Active to true.
func (r *FieldRule) UnmarshalYAML(value *yaml.Node) error {
	type plain FieldRule
	p := plain{Active: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = FieldRule(p)
	return nil
}

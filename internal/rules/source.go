package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultOrg is the organization key whose rules apply to organizations
// without a rule set of their own.
const DefaultOrg = "*"

// rulesFile is the subset of the shared rules file this package reads.
type rulesFile struct {
	Organizations []struct {
		ID    string `yaml:"id"`
		Rules []Rule `yaml:"rules"`
	} `yaml:"organizations"`
}

// FileSource serves rule sets loaded from a YAML rules file.
type FileSource struct {
	byOrg map[string][]Rule
}

// LoadFile reads and validates the rules file at path.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseYAML(f)
}

// ParseYAML decodes a rules file. Every rule is validated; one bad rule
// rejects the whole file.
func ParseYAML(r io.Reader) (*FileSource, error) {
	var doc rulesFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}

	src := &FileSource{byOrg: make(map[string][]Rule)}
	for _, org := range doc.Organizations {
		if org.ID == "" {
			return nil, errors.New("rules file: organization without id")
		}
		for _, r := range org.Rules {
			if err := Validate(r); err != nil {
				return nil, fmt.Errorf("rules file org %s: %w", org.ID, err)
			}
		}
		src.byOrg[org.ID] = append(src.byOrg[org.ID], org.Rules...)
	}
	return src, nil
}

// Rules returns the org's rule set, falling back to the default set.
func (s *FileSource) Rules(_ context.Context, orgID string) ([]Rule, error) {
	if rs, ok := s.byOrg[orgID]; ok {
		return rs, nil
	}
	return s.byOrg[DefaultOrg], nil
}

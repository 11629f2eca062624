package account

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Static is a Directory backed by fixed data, typically loaded from YAML:
//
//	subjects:
//	  p-1: {name: Ada, email: ada@example.com, phone: "+15550100",
//	        emergency_contact: {name: Bo, phone: "+15550101"}}
//	doctors:
//	  dr-1: {name: Dr Lin, email: lin@example.com}
type Static struct {
	Subjects map[string]Subject `yaml:"subjects"`
	Doctors  map[string]Doctor  `yaml:"doctors"`
}

// LoadStatic reads a static directory file.
func LoadStatic(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var s Static
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return &s, nil
}

// Subject returns the subject with the given ID.
func (s *Static) Subject(_ context.Context, id string) (*Subject, error) {
	sub, ok := s.Subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	sub.ID = id
	return &sub, nil
}

// Doctor returns the doctor with the given ID.
func (s *Static) Doctor(_ context.Context, id string) (*Doctor, error) {
	doc, ok := s.Doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", id, ErrNotFound)
	}
	doc.ID = id
	return &doc, nil
}

// DoctorIDs returns every doctor ID in the directory, sorted.
func (s *Static) DoctorIDs() []string {
	out := make([]string, 0, len(s.Doctors))
	for id := range s.Doctors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Package account resolves contact details for patients and doctors from the
// account service, or from a static YAML file for development.
package account

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the account does not exist.
var ErrNotFound = errors.New("account not found")

// Contact is how to reach a person.
type Contact struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
	Phone string `json:"phone" yaml:"phone"`
}

// EmergencyContact is the person to call when a patient's result is critical.
type EmergencyContact struct {
	Name         string `json:"name" yaml:"name"`
	Phone        string `json:"phone" yaml:"phone"`
	Relationship string `json:"relationship" yaml:"relationship"`
}

// Subject is a screened patient.
type Subject struct {
	ID               string            `json:"id" yaml:"id"`
	Contact          `yaml:",inline"`
	EmergencyContact *EmergencyContact `json:"emergency_contact,omitempty" yaml:"emergency_contact"`
}

// Doctor is a reviewing clinician.
type Doctor struct {
	ID      string `json:"id" yaml:"id"`
	Contact `yaml:",inline"`
}

// Directory looks up accounts by ID.
type Directory interface {
	Subject(ctx context.Context, id string) (*Subject, error)
	Doctor(ctx context.Context, id string) (*Doctor, error)
}

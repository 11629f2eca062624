// Package screening is the business boundary for eye-screening triage.
// It defines the domain model, the priority Policy (classifier), the record
// state Machine with its per-record lock and events, the Service that drives
// scoring off-lock, and the Store interface for persistence.
package screening

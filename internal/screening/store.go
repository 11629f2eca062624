package screening

import "context"

// Store is the persistence interface for screening records and their
// notification bookkeeping.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	// Put inserts or updates a record. It never touches the notification log.
	Put(ctx context.Context, r *Record) error
	// ListBySubject returns a page of a subject's records, newest first, and the total count.
	ListBySubject(ctx context.Context, subjectID string, offset, limit int) ([]*Record, int, error)
	// ListActive returns every record that is not archived.
	ListActive(ctx context.Context) ([]*Record, error)

	AppendNotification(ctx context.Context, recordID string, e NotificationEntry) error
	// ClaimNotification records a claim and reports whether it was newly taken.
	ClaimNotification(ctx context.Context, c NotificationClaim) (bool, error)
	ResolveNotification(ctx context.Context, recordID, dedupeKey string, outcome DeliveryOutcome) error
	// PendingNotifications returns claims with no terminal outcome.
	PendingNotifications(ctx context.Context) ([]NotificationClaim, error)
}

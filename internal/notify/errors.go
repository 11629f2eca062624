package notify

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/lookout/internal/account"
)

var (
	// ErrPermanent marks a delivery failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrTransient marks a delivery failure worth retrying.
	ErrTransient = errors.New("transient delivery failure")

	errNotConfigured = errors.New("channel not configured")
	errNoRecipient   = errors.New("no recipient address")
)

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsPermanent reports whether err should not be retried. Unknown accounts are
// permanent; unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, account.ErrNotFound)
}

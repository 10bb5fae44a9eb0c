// Package state defines the enabled/disabled state model for installed
// extensions.
//
// The Store interface keeps business logic independent of the backing
// store; the SQL implementation lives in internal/database. A slug
// absent from the store is enabled: installing creates no explicit row,
// and uninstalling removes whatever row exists rather than persisting a
// stale disabled flag for a nonexistent extension.
package state

import "context"

// Status is the lifecycle state of an installed extension.
type Status string

const (
	Enabled  Status = "enabled"
	Disabled Status = "disabled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == Enabled || s == Disabled
}

// Store persists per-slug status.
type Store interface {
	// Load returns the full slug-to-status map.
	Load(ctx context.Context) (map[string]Status, error)

	// Save replaces the full slug-to-status map.
	Save(ctx context.Context, states map[string]Status) error

	// GetStatus returns the status for one slug, Enabled when absent.
	GetStatus(ctx context.Context, slug string) (Status, error)

	// SetEnabled sets one slug's status. It is an idempotent
	// read-modify-write: setting an already-enabled slug to enabled
	// succeeds without change.
	SetEnabled(ctx context.Context, slug string, enabled bool) error

	// Remove deletes the slug's entry entirely.
	Remove(ctx context.Context, slug string) error
}

package domain

import "errors"

// Cross-cutting sentinel errors shared by the sync components.

var (
	// ErrReauthRequired indicates credentials are absent or no longer
	// refreshable; the user must run the authorization flow again.
	ErrReauthRequired = errors.New("reauthorization required")

	// ErrNoCredentials indicates no stored credentials exist at all.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrSyncInProgress indicates a sync run is already holding the
	// single-run lock.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrStateNotFound indicates the persisted state document does not
	// exist yet.
	ErrStateNotFound = errors.New("state document not found")
)

package state

import (
	"context"
	"time"
)

// IdMap is the persistent task ID → remote event ID mapping owned by the
// sync. It is mutated only by the result processor.
type IdMap map[string]string

// Clone returns an independent copy.
func (m IdMap) Clone() IdMap {
	out := make(IdMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Document is the single persisted state record. The refresh token appears
// only inside TokensEncrypted; no plaintext secret is ever stored.
type Document struct {
	IDMap        IdMap      `json:"idMap"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// RedirectPort is the actually-bound loopback port, persisted when it
	// auto-advances past the configured one.
	RedirectPort int `json:"redirectPort,omitempty"`

	ObfuscationSalt string `json:"obfuscationSalt,omitempty"`
	TokensEncrypted string `json:"tokensEncrypted,omitempty"`

	// EncryptionPassphrase is present only when the user opted into
	// remembering it; otherwise the passphrase lives in memory only.
	EncryptionPassphrase string `json:"encryptionPassphrase,omitempty"`
}

// NewDocument returns an empty state document.
func NewDocument() *Document {
	return &Document{IDMap: make(IdMap)}
}

// Normalize repairs zero-value fields after deserialization.
func (d *Document) Normalize() {
	if d.IDMap == nil {
		d.IDMap = make(IdMap)
	}
}

// Store persists the state document. Load returns domain.ErrStateNotFound
// when no document exists yet.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Close() error
}

// RunRecord summarizes one completed sync run for history.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	Elapsed   time.Duration
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Errors    int
}

// RunHistory is implemented by stores that keep an append-only log of sync
// runs. Callers type-assert; backends without history simply skip it.
type RunHistory interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

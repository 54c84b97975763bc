// Package credential defines the host-owned CredentialRecord (spec §3.1,
// §6.1) and the narrow port the core uses to read and write it. The core
// never owns this storage — CredentialStore is implemented by the host's
// credential database — but ships one in-memory reference implementation
// for tests and the demo binary, grounded on the audited get/set/delete
// shape of a small envelope-style credential service.
package credential

import (
	"context"
	"time"
)

// TemplateKind classifies how much material BWS retained for a template,
// which gates whether it can later be upgraded from stored thumbnails.
type TemplateKind string

const (
	TemplateCompact  TemplateKind = "compact"
	TemplateStandard TemplateKind = "standard"
	TemplateFull     TemplateKind = "full"
)

// Record is the host-side metadata entry linking a user to a BWS template
// id (spec §3.1). It intentionally carries no biometric material — only
// opaque identifiers and counts — so that invariant 1 ("zero biometrics at
// rest") holds by construction.
type Record struct {
	TemplateID         int64
	CreatedAt          time.Time
	ExpiresAt          time.Time
	ImageCount         int
	EncoderVersion     string
	FeatureVectorCount int
	ThumbnailsStored   bool
	Tags               []string
	TemplateKind       TemplateKind
	LastVerifiedAt     *time.Time
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store is the boundary toward the host's credential database (spec §6.1).
// Implementations must make Put an atomic create-or-replace per (realm,
// userID) — invariant 2 depends on there never being two live records for
// the same user.
type Store interface {
	Get(ctx context.Context, realm, userID string) (*Record, bool, error)
	Put(ctx context.Context, realm, userID string, record *Record) error
	Delete(ctx context.Context, realm, userID string) error
}

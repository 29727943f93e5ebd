package domain

import "context"

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define the boundary to the authoritative backend.
// Infrastructure implements them (sqlite, supabase, memstore); the XP kernel
// and the DNA synchronizer depend on them.

// ProfileStore is the read side used by the DNA synchronizer.
type ProfileStore interface {
	// GetProfile returns nil, nil when the user has no profile.
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)

	// GetProfileVersion is the lightweight version probe.
	GetProfileVersion(ctx context.Context, userID string) (version int64, found bool, err error)
}

// XPStore is the full surface the XP kernel needs.
type XPStore interface {
	ProfileStore

	// IncrementXPConditional adds Delta to xp_total and xp_lifetime and bumps
	// the version, atomically, iff the stored version equals ExpectedVersion.
	IncrementXPConditional(ctx context.Context, inc XPIncrement) (CommitResult, error)

	AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error

	// QuerySecurityLog returns entries most recent first.
	QuerySecurityLog(ctx context.Context, q LogQuery) ([]SecurityLogEntry, error)
}

// ProfileCreator creates first-login profiles. Creating an existing profile
// is a no-op that returns the stored row.
type ProfileCreator interface {
	EnsureProfile(ctx context.Context, userID string) (UserProfile, error)
}

// TraitWriter performs version-conditional trait updates. Like every write
// it bumps the profile version when it commits.
type TraitWriter interface {
	UpdateTraits(ctx context.Context, userID string, expectedVersion int64, traits Traits) (CommitResult, error)
}

// Store is everything a full backend offers.
type Store interface {
	XPStore
	ProfileCreator
	TraitWriter
}

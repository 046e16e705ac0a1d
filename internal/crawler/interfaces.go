package crawler

import (
	"context"
	"io"
	"time"
)

// Ledger is the durable record of work units and their claims.
type Ledger interface {
	Seed(ctx context.Context, req SeedRequest) (WorkUnit, bool, error)
	Claim(ctx context.Context, req ClaimRequest) (WorkUnit, bool, error)
	Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error)
	Fail(ctx context.Context, req FailRequest) (WorkUnit, error)
	Release(ctx context.Context, unitID, owner string, now time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// InstanceRegistry persists instance leases.
type InstanceRegistry interface {
	RegisterInstance(ctx context.Context, lease InstanceLease) error
	// Heartbeat refreshes the lease and extends the owner's live claims to
	// claimsUntil. It returns ErrLeaseExpired when the lease is gone.
	Heartbeat(ctx context.Context, instanceID string, now, claimsUntil time.Time) (int, error)
	// ExpireInstance marks the lease expired and returns its claims to pending.
	ExpireInstance(ctx context.Context, instanceID string, now time.Time) (int, error)
	// ExpireStaleInstances expires every active lease whose last heartbeat is
	// older than cutoff and returns their claims to pending.
	ExpireStaleInstances(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// LedgerReader serves the read side used by operators and replay.
type LedgerReader interface {
	GetUnit(ctx context.Context, id string) (WorkUnit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]WorkUnit, error)
	CountUnits(ctx context.Context) (map[UnitStatus]int, error)
	GetRecord(ctx context.Context, host, nativeID string) (RepositoryRecord, error)
	ListInstances(ctx context.Context) ([]InstanceLease, error)
}

// Store bundles every ledger capability a backend provides.
type Store interface {
	Ledger
	InstanceRegistry
	LedgerReader
	Close() error
}

// HostClient executes host requests within the host's budget.
type HostClient interface {
	Host() string
	Execute(ctx context.Context, req Request) (RawResponse, error)
}

// Adapter is a per-host enumeration strategy. Parse must be deterministic so
// archived responses can be replayed.
type Adapter interface {
	Host() string
	Request(unit WorkUnit) (Request, error)
	Parse(unit WorkUnit, raw RawResponse) (Page, error)
}

// Enricher is implemented by adapters whose listings carry partial records.
// Enrich completes one record with follow-up requests through client. A
// follow-up that fails permanently leaves the record as listed; any other
// error fails the unit's attempt.
type Enricher interface {
	Enrich(ctx context.Context, client HostClient, unit WorkUnit, rec RepositoryRecord) (RepositoryRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes handoff events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier reports units that reached the failed state.
type Notifier interface {
	NotifyFailed(ctx context.Context, unit WorkUnit) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unit and instance IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

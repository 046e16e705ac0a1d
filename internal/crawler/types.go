package crawler

import (
	"net/http"
	"time"
)

// UnitStatus represents the lifecycle state of a work unit.
type UnitStatus string

// Work unit status values persisted in the ledger.
const (
	UnitPending UnitStatus = "pending"
	UnitClaimed UnitStatus = "claimed"
	UnitDone    UnitStatus = "done"
	UnitFailed  UnitStatus = "failed"
)

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitPending, UnitClaimed, UnitDone, UnitFailed:
		return true
	default:
		return false
	}
}

// WorkUnit is one resumable step of enumeration for a host strategy: the
// cursor names the page to fetch next.
type WorkUnit struct {
	ID             string     `json:"id"`
	Host           string     `json:"host"`
	Strategy       string     `json:"strategy"`
	Epoch          string     `json:"epoch"`
	Cursor         string     `json:"cursor"`
	ParentID       string     `json:"parent_id,omitempty"`
	Status         UnitStatus `json:"status"`
	ClaimOwner     string     `json:"claim_owner,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Claimable reports whether the unit may be claimed at now: it is pending, or
// its claim has lapsed.
func (u WorkUnit) Claimable(now time.Time) bool {
	switch u.Status {
	case UnitPending:
		return true
	case UnitClaimed:
		return u.ClaimExpiresAt == nil || !u.ClaimExpiresAt.After(now)
	default:
		return false
	}
}

// HeldBy reports whether owner holds a live claim on the unit at now.
func (u WorkUnit) HeldBy(owner string, now time.Time) bool {
	return u.Status == UnitClaimed &&
		u.ClaimOwner == owner &&
		u.ClaimExpiresAt != nil &&
		u.ClaimExpiresAt.After(now)
}

// RepositoryRecord is the normalized metadata for one repository on one host.
// (Host, NativeID) is the identity key.
type RepositoryRecord struct {
	Host            string     `json:"host"`
	NativeID        string     `json:"native_id"`
	URL             string     `json:"url"`
	Owner           string     `json:"owner"`
	OwnerType       string     `json:"owner_type,omitempty"`
	Name            string     `json:"name"`
	FullName        string     `json:"full_name"`
	Description     string     `json:"description,omitempty"`
	Homepage        string     `json:"homepage,omitempty"`
	Languages       []string   `json:"languages,omitempty"`
	Topics          []string   `json:"topics,omitempty"`
	Stars           int        `json:"stars"`
	Forks           int        `json:"forks"`
	IsFork          bool       `json:"is_fork"`
	ForkedFrom      string     `json:"forked_from,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	PushedAt        *time.Time `json:"pushed_at,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	ContentHash     string     `json:"content_hash"`
	FirstSeenUnit   string     `json:"first_seen_unit,omitempty"`
	LastChangedUnit string     `json:"last_changed_unit,omitempty"`
}

// Key returns the identity key of the record.
func (r RepositoryRecord) Key() string {
	return r.Host + "/" + r.NativeID
}

// InstanceStatus represents the state of an instance lease.
type InstanceStatus string

// Instance lease states.
const (
	InstanceActive  InstanceStatus = "active"
	InstanceExpired InstanceStatus = "expired"
)

// InstanceLease is the liveness record of one running collector process.
type InstanceLease struct {
	ID              string         `json:"id"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	StartedAt       time.Time      `json:"started_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	Status          InstanceStatus `json:"status"`
	ExpiredAt       *time.Time     `json:"expired_at,omitempty"`
}

// HostBudget is the process-local view of a host's request allowance.
type HostBudget struct {
	Host         string    `json:"host"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	BackoffLevel int       `json:"backoff_level"`
	Known        bool      `json:"known"`
}

// Request describes a single host request built by an adapter.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// RawResponse is the unparsed host response handed to an adapter.
type RawResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
}

// Page is the result of advancing a unit: the records found plus the
// continuation. When Complete is false, Next holds the successor cursor.
type Page struct {
	Records  []RepositoryRecord
	Next     string
	Complete bool
	Raw      RawResponse
	// Followups holds the responses enrichment consumed, in request order.
	// Permanent failures appear with their status and no body.
	Followups []RawResponse
}

// ChangeKind describes what a commit did to a record row.
type ChangeKind string

// Record change kinds.
const (
	ChangeInserted  ChangeKind = "inserted"
	ChangeUpdated   ChangeKind = "updated"
	ChangeUnchanged ChangeKind = "unchanged"
)

// UpsertOutcome pairs a record with the change the commit applied.
type UpsertOutcome struct {
	Record RepositoryRecord
	Change ChangeKind
}

// SeedRequest asks the ledger to create a root unit for a strategy and epoch.
type SeedRequest struct {
	ID       string
	Host     string
	Strategy string
	Epoch    string
	Now      time.Time
}

// ClaimRequest asks the ledger for the next claimable unit.
type ClaimRequest struct {
	Owner         string
	Hosts         []string
	Now           time.Time
	LeaseDuration time.Duration
}

// ExpiresAt returns the claim expiry the request asks for.
func (r ClaimRequest) ExpiresAt() time.Time {
	return r.Now.Add(r.LeaseDuration)
}

// CompleteRequest is the atomic checkpoint of a unit: records upserted, the
// unit marked done, and the successor inserted in one transaction.
type CompleteRequest struct {
	UnitID    string
	Owner     string
	Now       time.Time
	Records   []RepositoryRecord
	Successor *WorkUnit
}

// CompleteResult reports what a checkpoint changed.
type CompleteResult struct {
	Outcomes    []UpsertOutcome
	SuccessorID string
}

// Counts tallies outcomes by change kind.
func (r CompleteResult) Counts() (inserted, updated, unchanged int) {
	for _, o := range r.Outcomes {
		switch o.Change {
		case ChangeInserted:
			inserted++
		case ChangeUpdated:
			updated++
		default:
			unchanged++
		}
	}
	return inserted, updated, unchanged
}

// FailRequest records a failed attempt on a claimed unit.
type FailRequest struct {
	UnitID      string
	Owner       string
	Reason      string
	Terminal    bool
	MaxAttempts int
	Now         time.Time
}

// UnitFilter narrows unit listings.
type UnitFilter struct {
	Status UnitStatus
	Host   string
	Owner  string
	Limit  int
}

// HandoffMessage tells the downloader about a new or changed repository.
type HandoffMessage struct {
	Host        string     `json:"host"`
	NativeID    string     `json:"native_id"`
	URL         string     `json:"url"`
	FullName    string     `json:"full_name"`
	ContentHash string     `json:"content_hash"`
	UnitID      string     `json:"unit_id"`
	Change      ChangeKind `json:"change"`
	Timestamp   time.Time  `json:"timestamp"`
}

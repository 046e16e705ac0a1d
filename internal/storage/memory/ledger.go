package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Store is an in-memory ledger for tests and single-process runs. A single
// mutex serializes every transition, which makes each operation atomic.
type Store struct {
	mu        sync.RWMutex
	units     map[string]crawler.WorkUnit
	records   map[string]crawler.RepositoryRecord
	instances map[string]crawler.InstanceLease
	// successors maps a parent unit id to its successor id.
	successors map[string]string
	// roots maps host/strategy/epoch to the root unit id.
	roots map[string]string
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		units:      make(map[string]crawler.WorkUnit),
		records:    make(map[string]crawler.RepositoryRecord),
		instances:  make(map[string]crawler.InstanceLease),
		successors: make(map[string]string),
		roots:      make(map[string]string),
	}
}

func rootKey(host, strategy, epoch string) string {
	return host + "\x00" + strategy + "\x00" + epoch
}

// Seed inserts the root unit for a host strategy epoch unless it exists.
func (s *Store) Seed(_ context.Context, req crawler.SeedRequest) (crawler.WorkUnit, bool, error) {
	if req.ID == "" || req.Host == "" || req.Strategy == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("seed requires id, host and strategy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rootKey(req.Host, req.Strategy, req.Epoch)
	if id, ok := s.roots[key]; ok {
		return cloneUnit(s.units[id]), false, nil
	}
	if _, exists := s.units[req.ID]; exists {
		return crawler.WorkUnit{}, false, fmt.Errorf("unit %s already exists", req.ID)
	}
	now := req.Now.UTC()
	unit := crawler.WorkUnit{
		ID:        req.ID,
		Host:      req.Host,
		Strategy:  req.Strategy,
		Epoch:     req.Epoch,
		Status:    crawler.UnitPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.units[unit.ID] = unit
	s.roots[key] = unit.ID
	return cloneUnit(unit), true, nil
}

// Claim hands the oldest claimable unit on one of the requested hosts to owner.
func (s *Store) Claim(_ context.Context, req crawler.ClaimRequest) (crawler.WorkUnit, bool, error) {
	if req.Owner == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("claim requires an owner")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  crawler.WorkUnit
		found bool
	)
	for _, unit := range s.units {
		if !unit.Claimable(req.Now) {
			continue
		}
		if len(req.Hosts) > 0 && !slices.Contains(req.Hosts, unit.Host) {
			continue
		}
		if !found || olderThan(unit, best) {
			best, found = unit, true
		}
	}
	if !found {
		return crawler.WorkUnit{}, false, nil
	}
	expires := req.ExpiresAt().UTC()
	best.Status = crawler.UnitClaimed
	best.ClaimOwner = req.Owner
	best.ClaimExpiresAt = &expires
	best.UpdatedAt = req.Now.UTC()
	s.units[best.ID] = best
	return cloneUnit(best), true, nil
}

func olderThan(a, b crawler.WorkUnit) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// heldUnit returns the unit when owner holds a live claim on it. Callers must
// hold the write lock.
func (s *Store) heldUnit(unitID, owner string, now time.Time) (crawler.WorkUnit, error) {
	unit, ok := s.units[unitID]
	if !ok {
		return crawler.WorkUnit{}, fmt.Errorf("unit %s: %w", unitID, crawler.ErrNotFound)
	}
	if !unit.HeldBy(owner, now) {
		return crawler.WorkUnit{}, fmt.Errorf("unit %s owner %s: %w", unitID, owner, crawler.ErrStaleClaim)
	}
	return unit, nil
}

// Complete checkpoints a unit: records are upserted when their hash differs,
// the unit becomes done and the successor, if any, is inserted. Nothing is
// written when the claim is stale.
func (s *Store) Complete(_ context.Context, req crawler.CompleteRequest) (crawler.CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, err := s.heldUnit(req.UnitID, req.Owner, req.Now)
	if err != nil {
		return crawler.CompleteResult{}, err
	}
	now := req.Now.UTC()

	var successor crawler.WorkUnit
	if req.Successor != nil {
		successor = *req.Successor
		if successor.ID == "" {
			return crawler.CompleteResult{}, fmt.Errorf("successor of unit %s has no id", unit.ID)
		}
		if _, exists := s.successors[unit.ID]; exists {
			return crawler.CompleteResult{}, fmt.Errorf("unit %s already has a successor", unit.ID)
		}
		if _, exists := s.units[successor.ID]; exists {
			return crawler.CompleteResult{}, fmt.Errorf("unit %s already exists", successor.ID)
		}
	}

	result := crawler.CompleteResult{Outcomes: make([]crawler.UpsertOutcome, 0, len(req.Records))}
	for _, rec := range req.Records {
		key := rec.Key()
		existing, ok := s.records[key]
		switch {
		case !ok:
			rec.FirstSeenUnit = unit.ID
			rec.LastChangedUnit = unit.ID
			rec.LastSeenAt = now
			s.records[key] = cloneRecord(rec)
			result.Outcomes = append(result.Outcomes, crawler.UpsertOutcome{Record: cloneRecord(rec), Change: crawler.ChangeInserted})
		case existing.ContentHash == rec.ContentHash:
			result.Outcomes = append(result.Outcomes, crawler.UpsertOutcome{Record: cloneRecord(existing), Change: crawler.ChangeUnchanged})
		default:
			rec.FirstSeenUnit = existing.FirstSeenUnit
			rec.LastChangedUnit = unit.ID
			rec.LastSeenAt = now
			s.records[key] = cloneRecord(rec)
			result.Outcomes = append(result.Outcomes, crawler.UpsertOutcome{Record: cloneRecord(rec), Change: crawler.ChangeUpdated})
		}
	}

	unit.Status = crawler.UnitDone
	unit.ClaimExpiresAt = nil
	unit.UpdatedAt = now
	unit.CompletedAt = &now
	s.units[unit.ID] = unit

	if req.Successor != nil {
		successor.Host = unit.Host
		successor.Strategy = unit.Strategy
		successor.Epoch = unit.Epoch
		successor.ParentID = unit.ID
		successor.Status = crawler.UnitPending
		successor.ClaimOwner = ""
		successor.ClaimExpiresAt = nil
		successor.Attempts = 0
		successor.CreatedAt = now
		successor.UpdatedAt = now
		s.units[successor.ID] = successor
		s.successors[unit.ID] = successor.ID
		result.SuccessorID = successor.ID
	}
	return result, nil
}

// Fail records a failed attempt and returns the unit to pending, or marks it
// failed when the failure is terminal or attempts are exhausted.
func (s *Store) Fail(_ context.Context, req crawler.FailRequest) (crawler.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, err := s.heldUnit(req.UnitID, req.Owner, req.Now)
	if err != nil {
		return crawler.WorkUnit{}, err
	}
	unit.Attempts++
	unit.LastError = req.Reason
	unit.ClaimExpiresAt = nil
	unit.UpdatedAt = req.Now.UTC()
	if req.Terminal || (req.MaxAttempts > 0 && unit.Attempts >= req.MaxAttempts) {
		unit.Status = crawler.UnitFailed
	} else {
		unit.Status = crawler.UnitPending
		unit.ClaimOwner = ""
	}
	s.units[unit.ID] = unit
	return cloneUnit(unit), nil
}

// Release returns a held unit to pending without counting an attempt.
func (s *Store) Release(_ context.Context, unitID, owner string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, err := s.heldUnit(unitID, owner, now)
	if err != nil {
		return err
	}
	s.units[unit.ID] = pending(unit, now)
	return nil
}

// ReclaimExpired returns every lapsed claim to pending.
func (s *Store) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, unit := range s.units {
		if unit.Status == crawler.UnitClaimed && unit.Claimable(now) {
			s.units[id] = pending(unit, now)
			n++
		}
	}
	return n, nil
}

func pending(unit crawler.WorkUnit, now time.Time) crawler.WorkUnit {
	unit.Status = crawler.UnitPending
	unit.ClaimOwner = ""
	unit.ClaimExpiresAt = nil
	unit.UpdatedAt = now.UTC()
	return unit
}

// RegisterInstance stores a new active lease.
func (s *Store) RegisterInstance(_ context.Context, lease crawler.InstanceLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[lease.ID]; exists {
		return fmt.Errorf("instance %s already registered", lease.ID)
	}
	lease.Status = crawler.InstanceActive
	lease.ExpiredAt = nil
	s.instances[lease.ID] = lease
	return nil
}

// Heartbeat refreshes an active lease and extends the instance's live claims.
func (s *Store) Heartbeat(_ context.Context, instanceID string, now, claimsUntil time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.instances[instanceID]
	if !ok || lease.Status != crawler.InstanceActive {
		return 0, fmt.Errorf("instance %s: %w", instanceID, crawler.ErrLeaseExpired)
	}
	lease.LastHeartbeatAt = now.UTC()
	s.instances[instanceID] = lease

	until := claimsUntil.UTC()
	n := 0
	for id, unit := range s.units {
		if unit.HeldBy(instanceID, now) {
			unit.ClaimExpiresAt = &until
			unit.UpdatedAt = now.UTC()
			s.units[id] = unit
			n++
		}
	}
	return n, nil
}

// ExpireInstance marks a lease expired and releases all of its claims.
func (s *Store) ExpireInstance(_ context.Context, instanceID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return 0, fmt.Errorf("instance %s: %w", instanceID, crawler.ErrNotFound)
	}
	return s.expireLocked(instanceID, now), nil
}

// ExpireStaleInstances expires active leases whose last heartbeat is older
// than cutoff.
func (s *Store) ExpireStaleInstances(_ context.Context, cutoff, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, lease := range s.instances {
		if lease.Status == crawler.InstanceActive && lease.LastHeartbeatAt.Before(cutoff) {
			s.expireLocked(id, now)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func (s *Store) expireLocked(instanceID string, now time.Time) int {
	lease := s.instances[instanceID]
	if lease.Status == crawler.InstanceActive {
		at := now.UTC()
		lease.Status = crawler.InstanceExpired
		lease.ExpiredAt = &at
		s.instances[instanceID] = lease
	}
	n := 0
	for id, unit := range s.units {
		if unit.Status == crawler.UnitClaimed && unit.ClaimOwner == instanceID {
			s.units[id] = pending(unit, now)
			n++
		}
	}
	return n
}

// GetUnit returns a unit by id.
func (s *Store) GetUnit(_ context.Context, id string) (crawler.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.units[id]
	if !ok {
		return crawler.WorkUnit{}, fmt.Errorf("unit %s: %w", id, crawler.ErrNotFound)
	}
	return cloneUnit(unit), nil
}

// ListUnits returns units matching filter, oldest first.
func (s *Store) ListUnits(_ context.Context, filter crawler.UnitFilter) ([]crawler.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.WorkUnit, 0)
	for _, unit := range s.units {
		if filter.Status != "" && unit.Status != filter.Status {
			continue
		}
		if filter.Host != "" && unit.Host != filter.Host {
			continue
		}
		if filter.Owner != "" && unit.ClaimOwner != filter.Owner {
			continue
		}
		out = append(out, cloneUnit(unit))
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountUnits tallies units by status.
func (s *Store) CountUnits(_ context.Context) (map[crawler.UnitStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.UnitStatus]int, 4)
	for _, unit := range s.units {
		counts[unit.Status]++
	}
	return counts, nil
}

// GetRecord returns the stored record for host and native id.
func (s *Store) GetRecord(_ context.Context, host, nativeID string) (crawler.RepositoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[crawler.RepositoryRecord{Host: host, NativeID: nativeID}.Key()]
	if !ok {
		return crawler.RepositoryRecord{}, fmt.Errorf("record %s/%s: %w", host, nativeID, crawler.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ListInstances returns every lease, oldest first.
func (s *Store) ListInstances(_ context.Context) ([]crawler.InstanceLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.InstanceLease, 0, len(s.instances))
	for _, lease := range s.instances {
		out = append(out, lease)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordCount returns the number of stored records.
func (s *Store) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func cloneUnit(u crawler.WorkUnit) crawler.WorkUnit {
	u.ClaimExpiresAt = cloneTime(u.ClaimExpiresAt)
	u.CompletedAt = cloneTime(u.CompletedAt)
	return u
}

func cloneRecord(r crawler.RepositoryRecord) crawler.RepositoryRecord {
	r.Languages = slices.Clone(r.Languages)
	r.Topics = slices.Clone(r.Topics)
	r.CreatedAt = cloneTime(r.CreatedAt)
	r.UpdatedAt = cloneTime(r.UpdatedAt)
	r.PushedAt = cloneTime(r.PushedAt)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// Package gormstore implements the work ledger on gorm so the collector can
// run against SQLite for single-node setups or MySQL-compatible servers.
// MySQL DSNs must carry parseTime=true.
package gormstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
)

// Config selects the gorm dialect and connection.
type Config struct {
	Driver string // sqlite or mysql
	DSN    string
}

// Store implements crawler.Store with gorm.
type Store struct {
	db *gorm.DB
	// lock is false on SQLite, which serializes writers and has no row locks.
	lock bool
}

var _ crawler.Store = (*Store)(nil)

// Open connects and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		// A single connection keeps in-memory databases shared and writers serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an open gorm handle and migrates the schema.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := db.AutoMigrate(&unitRow{}, &recordRow{}, &leaseRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &Store{db: db, lock: db.Dialector.Name() != "sqlite"}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) locking(tx *gorm.DB, skipLocked bool) *gorm.DB {
	if !s.lock {
		return tx
	}
	if skipLocked {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, crawler.ErrStaleClaim),
		errors.Is(err, crawler.ErrNotFound),
		errors.Is(err, crawler.ErrLeaseExpired):
		return err
	case unavailable(err):
		metrics.ObserveLedgerError(op)
		return fmt.Errorf("%s: %w: %w", op, crawler.ErrLedgerUnavailable, err)
	default:
		metrics.ObserveLedgerError(op)
		return fmt.Errorf("%s: %w", op, err)
	}
}

func unavailable(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		// Two instances inserting the same record race on the primary key;
		// the loser retries and then sees the row.
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "Deadlock found")
}

func rootKey(host, strategy, epoch string) string {
	return host + "/" + strategy + "/" + epoch
}

// Seed inserts the root unit for a host strategy epoch unless it exists.
func (s *Store) Seed(ctx context.Context, req crawler.SeedRequest) (crawler.WorkUnit, bool, error) {
	if req.ID == "" || req.Host == "" || req.Strategy == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("seed requires id, host and strategy")
	}
	now := req.Now.UTC()
	key := rootKey(req.Host, req.Strategy, req.Epoch)
	row := unitRow{
		ID:        req.ID,
		Host:      req.Host,
		Strategy:  req.Strategy,
		Epoch:     req.Epoch,
		RootKey:   &key,
		Status:    string(crawler.UnitPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return crawler.WorkUnit{}, false, fail("seed", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.toUnit(), true, nil
	}
	var existing unitRow
	if err := s.db.WithContext(ctx).Where("root_key = ?", key).First(&existing).Error; err != nil {
		return crawler.WorkUnit{}, false, fail("seed", fmt.Errorf("load existing root: %w", err))
	}
	return existing.toUnit(), false, nil
}

// Claim picks the oldest claimable unit and takes it with a compare-and-set,
// so a concurrent claimer that read the same row loses cleanly.
func (s *Store) Claim(ctx context.Context, req crawler.ClaimRequest) (crawler.WorkUnit, bool, error) {
	if req.Owner == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("claim requires an owner")
	}
	now := req.Now.UTC()
	expires := req.ExpiresAt().UTC()

	var (
		claimed unitRow
		found   bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? OR (status = ? AND claim_expires_at <= ?)",
			crawler.UnitPending, crawler.UnitClaimed, now)
		if len(req.Hosts) > 0 {
			q = q.Where("host IN ?", req.Hosts)
		}
		var candidate unitRow
		res := s.locking(q, true).Order("created_at ASC, id ASC").Limit(1).Find(&candidate)
		if res.Error != nil {
			return fmt.Errorf("find claimable unit: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		owner := req.Owner
		upd := tx.Model(&unitRow{}).
			Where("id = ? AND (status = ? OR (status = ? AND claim_expires_at <= ?))",
				candidate.ID, crawler.UnitPending, crawler.UnitClaimed, now).
			Updates(map[string]any{
				"status":           string(crawler.UnitClaimed),
				"claim_owner":      owner,
				"claim_expires_at": expires,
				"updated_at":       now,
			})
		if upd.Error != nil {
			return fmt.Errorf("claim unit %s: %w", candidate.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return nil
		}
		candidate.Status = string(crawler.UnitClaimed)
		candidate.ClaimOwner = &owner
		candidate.ClaimExpiresAt = &expires
		candidate.UpdatedAt = now
		claimed, found = candidate, true
		return nil
	})
	if err != nil {
		return crawler.WorkUnit{}, false, fail("claim", err)
	}
	if !found {
		return crawler.WorkUnit{}, false, nil
	}
	return claimed.toUnit(), true, nil
}

func (s *Store) heldUnit(tx *gorm.DB, unitID, owner string, now time.Time) (unitRow, error) {
	var row unitRow
	err := s.locking(tx, false).Where("id = ?", unitID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unitRow{}, fmt.Errorf("unit %s: %w", unitID, crawler.ErrNotFound)
	}
	if err != nil {
		return unitRow{}, fmt.Errorf("lock unit %s: %w", unitID, err)
	}
	if !row.toUnit().HeldBy(owner, now) {
		return unitRow{}, fmt.Errorf("unit %s owner %s: %w", unitID, owner, crawler.ErrStaleClaim)
	}
	return row, nil
}

// Complete verifies the claim, upserts records whose content hash changed,
// marks the unit done and inserts the successor in one transaction.
func (s *Store) Complete(ctx context.Context, req crawler.CompleteRequest) (crawler.CompleteResult, error) {
	var result crawler.CompleteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, err := s.heldUnit(tx, req.UnitID, req.Owner, req.Now)
		if err != nil {
			return err
		}
		now := req.Now.UTC()

		result.Outcomes = make([]crawler.UpsertOutcome, 0, len(req.Records))
		for _, rec := range req.Records {
			outcome, err := s.upsertRecord(tx, unit.ID, now, rec)
			if err != nil {
				return err
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}

		if err := tx.Model(&unitRow{}).Where("id = ?", unit.ID).Updates(map[string]any{
			"status":           string(crawler.UnitDone),
			"claim_expires_at": nil,
			"updated_at":       now,
			"completed_at":     now,
		}).Error; err != nil {
			return fmt.Errorf("mark unit done: %w", err)
		}

		if req.Successor != nil {
			parent := unit.ID
			next := unitRow{
				ID:        req.Successor.ID,
				Host:      unit.Host,
				Strategy:  unit.Strategy,
				Epoch:     unit.Epoch,
				Cursor:    req.Successor.Cursor,
				ParentID:  &parent,
				Status:    string(crawler.UnitPending),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&next).Error; err != nil {
				return fmt.Errorf("insert successor: %w", err)
			}
			result.SuccessorID = next.ID
		}
		return nil
	})
	if err != nil {
		return crawler.CompleteResult{}, fail("complete", err)
	}
	return result, nil
}

func (s *Store) upsertRecord(tx *gorm.DB, unitID string, now time.Time, rec crawler.RepositoryRecord) (crawler.UpsertOutcome, error) {
	var existing recordRow
	res := s.locking(tx, false).Where("host = ? AND native_id = ?", rec.Host, rec.NativeID).Limit(1).Find(&existing)
	if res.Error != nil {
		return crawler.UpsertOutcome{}, fmt.Errorf("load record %s: %w", rec.Key(), res.Error)
	}
	if res.RowsAffected == 1 && existing.ContentHash == rec.ContentHash {
		return crawler.UpsertOutcome{Record: existing.toRecord(), Change: crawler.ChangeUnchanged}, nil
	}

	rec.LastSeenAt = now
	rec.LastChangedUnit = unitID
	if res.RowsAffected == 0 {
		rec.FirstSeenUnit = unitID
		row := fromRecord(rec)
		if err := tx.Create(&row).Error; err != nil {
			return crawler.UpsertOutcome{}, fmt.Errorf("insert record %s: %w", rec.Key(), err)
		}
		return crawler.UpsertOutcome{Record: row.toRecord(), Change: crawler.ChangeInserted}, nil
	}
	rec.FirstSeenUnit = existing.FirstSeenUnit
	row := fromRecord(rec)
	if err := tx.Save(&row).Error; err != nil {
		return crawler.UpsertOutcome{}, fmt.Errorf("update record %s: %w", rec.Key(), err)
	}
	return crawler.UpsertOutcome{Record: row.toRecord(), Change: crawler.ChangeUpdated}, nil
}

// Fail records a failed attempt and either returns the unit to pending or
// marks it failed.
func (s *Store) Fail(ctx context.Context, req crawler.FailRequest) (crawler.WorkUnit, error) {
	var out unitRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.heldUnit(tx, req.UnitID, req.Owner, req.Now)
		if err != nil {
			return err
		}
		row.Attempts++
		row.LastError = req.Reason
		row.ClaimExpiresAt = nil
		row.UpdatedAt = req.Now.UTC()
		if req.Terminal || (req.MaxAttempts > 0 && row.Attempts >= req.MaxAttempts) {
			row.Status = string(crawler.UnitFailed)
		} else {
			row.Status = string(crawler.UnitPending)
			row.ClaimOwner = nil
		}
		if err := tx.Model(&unitRow{}).Where("id = ?", row.ID).Updates(map[string]any{
			"attempts":         row.Attempts,
			"last_error":       row.LastError,
			"claim_expires_at": nil,
			"claim_owner":      row.ClaimOwner,
			"status":           row.Status,
			"updated_at":       row.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		out = row
		return nil
	})
	if err != nil {
		return crawler.WorkUnit{}, fail("fail", err)
	}
	return out.toUnit(), nil
}

var releaseFields = func(now time.Time) map[string]any {
	return map[string]any{
		"status":           string(crawler.UnitPending),
		"claim_owner":      nil,
		"claim_expires_at": nil,
		"updated_at":       now.UTC(),
	}
}

// Release returns a held unit to pending without counting an attempt.
func (s *Store) Release(ctx context.Context, unitID, owner string, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.heldUnit(tx, unitID, owner, now); err != nil {
			return err
		}
		return tx.Model(&unitRow{}).Where("id = ?", unitID).Updates(releaseFields(now)).Error
	})
	return fail("release", err)
}

// ReclaimExpired returns every lapsed claim to pending.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&unitRow{}).
		Where("status = ? AND claim_expires_at <= ?", crawler.UnitClaimed, now.UTC()).
		Updates(releaseFields(now))
	if res.Error != nil {
		return 0, fail("reclaim", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RegisterInstance stores a new active lease.
func (s *Store) RegisterInstance(ctx context.Context, lease crawler.InstanceLease) error {
	row := leaseRow{
		ID:              lease.ID,
		Hostname:        lease.Hostname,
		PID:             lease.PID,
		StartedAt:       lease.StartedAt.UTC(),
		LastHeartbeatAt: lease.LastHeartbeatAt.UTC(),
		Status:          string(crawler.InstanceActive),
	}
	return fail("register_instance", s.db.WithContext(ctx).Create(&row).Error)
}

// Heartbeat refreshes an active lease and extends the instance's live claims.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, now, claimsUntil time.Time) (int, error) {
	var extended int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&leaseRow{}).
			Where("id = ? AND status = ?", instanceID, crawler.InstanceActive).
			Update("last_heartbeat_at", now.UTC())
		if res.Error != nil {
			return fmt.Errorf("refresh lease: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("instance %s: %w", instanceID, crawler.ErrLeaseExpired)
		}
		res = tx.Model(&unitRow{}).
			Where("claim_owner = ? AND status = ? AND claim_expires_at > ?", instanceID, crawler.UnitClaimed, now.UTC()).
			Updates(map[string]any{"claim_expires_at": claimsUntil.UTC(), "updated_at": now.UTC()})
		if res.Error != nil {
			return fmt.Errorf("extend claims: %w", res.Error)
		}
		extended = int(res.RowsAffected)
		return nil
	})
	return extended, fail("heartbeat", err)
}

// ExpireInstance marks a lease expired and releases all of its claims.
func (s *Store) ExpireInstance(ctx context.Context, instanceID string, now time.Time) (int, error) {
	var released int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease leaseRow
		err := tx.Where("id = ?", instanceID).First(&lease).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("instance %s: %w", instanceID, crawler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load lease: %w", err)
		}
		n, err := expireLeases(tx, []string{instanceID}, now)
		released = n
		return err
	})
	return released, fail("expire_instance", err)
}

// ExpireStaleInstances expires active leases whose last heartbeat is older
// than cutoff and releases their claims.
func (s *Store) ExpireStaleInstances(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&leaseRow{}).
			Where("status = ? AND last_heartbeat_at < ?", crawler.InstanceActive, cutoff.UTC()).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("find stale leases: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err := expireLeases(tx, ids, now)
		return err
	})
	if err != nil {
		return nil, fail("expire_stale", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func expireLeases(tx *gorm.DB, ids []string, now time.Time) (int, error) {
	at := now.UTC()
	if err := tx.Model(&leaseRow{}).
		Where("id IN ? AND status = ?", ids, crawler.InstanceActive).
		Updates(map[string]any{"status": string(crawler.InstanceExpired), "expired_at": at}).Error; err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	res := tx.Model(&unitRow{}).
		Where("status = ? AND claim_owner IN ?", crawler.UnitClaimed, ids).
		Updates(releaseFields(now))
	if res.Error != nil {
		return 0, fmt.Errorf("release claims: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// GetUnit returns a unit by id.
func (s *Store) GetUnit(ctx context.Context, id string) (crawler.WorkUnit, error) {
	var row unitRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crawler.WorkUnit{}, fmt.Errorf("unit %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.WorkUnit{}, fail("get_unit", err)
	}
	return row.toUnit(), nil
}

// ListUnits returns units matching filter, oldest first.
func (s *Store) ListUnits(ctx context.Context, filter crawler.UnitFilter) ([]crawler.WorkUnit, error) {
	q := s.db.WithContext(ctx).Model(&unitRow{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Host != "" {
		q = q.Where("host = ?", filter.Host)
	}
	if filter.Owner != "" {
		q = q.Where("claim_owner = ?", filter.Owner)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []unitRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fail("list_units", err)
	}
	units := make([]crawler.WorkUnit, 0, len(rows))
	for _, row := range rows {
		units = append(units, row.toUnit())
	}
	return units, nil
}

// CountUnits tallies units by status.
func (s *Store) CountUnits(ctx context.Context) (map[crawler.UnitStatus]int, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := s.db.WithContext(ctx).Model(&unitRow{}).
		Select("status, count(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fail("count_units", err)
	}
	counts := make(map[crawler.UnitStatus]int, len(rows))
	for _, r := range rows {
		counts[crawler.UnitStatus(r.Status)] = int(r.N)
	}
	return counts, nil
}

// GetRecord returns the stored record for host and native id.
func (s *Store) GetRecord(ctx context.Context, host, nativeID string) (crawler.RepositoryRecord, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where("host = ? AND native_id = ?", host, nativeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crawler.RepositoryRecord{}, fmt.Errorf("record %s/%s: %w", host, nativeID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.RepositoryRecord{}, fail("get_record", err)
	}
	return row.toRecord(), nil
}

// ListInstances returns every lease, oldest first.
func (s *Store) ListInstances(ctx context.Context) ([]crawler.InstanceLease, error) {
	var rows []leaseRow
	if err := s.db.WithContext(ctx).Order("started_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fail("list_instances", err)
	}
	leases := make([]crawler.InstanceLease, 0, len(rows))
	for _, row := range rows {
		leases = append(leases, row.toLease())
	}
	return leases, nil
}

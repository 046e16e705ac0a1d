// Package postgres provides the Postgres-backed work ledger shared by every
// collector instance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
}

var _ crawler.Store = (*Store)(nil)

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const unitColumns = `id, host, strategy, epoch, page_cursor, COALESCE(parent_id, ''), status,
	COALESCE(claim_owner, ''), claim_expires_at, attempts, last_error, created_at, updated_at, completed_at`

func scanUnit(row pgx.Row) (crawler.WorkUnit, error) {
	var (
		unit   crawler.WorkUnit
		status string
	)
	err := row.Scan(
		&unit.ID,
		&unit.Host,
		&unit.Strategy,
		&unit.Epoch,
		&unit.Cursor,
		&unit.ParentID,
		&status,
		&unit.ClaimOwner,
		&unit.ClaimExpiresAt,
		&unit.Attempts,
		&unit.LastError,
		&unit.CreatedAt,
		&unit.UpdatedAt,
		&unit.CompletedAt,
	)
	if err != nil {
		return crawler.WorkUnit{}, err
	}
	unit.Status = crawler.UnitStatus(status)
	return unit, nil
}

// fail classifies a database error and counts it. Connectivity failures
// become ErrLedgerUnavailable so callers can retry them.
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
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
		pgErr      *pgconn.PgError
	)
	switch {
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), pgconn.Timeout(err):
		return true
	case errors.As(err, &pgErr):
		// connection exceptions, serialization failures, deadlocks, shutdowns
		// and connection limits are all worth retrying.
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "40001" || pgErr.Code == "40P01" ||
			pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	return false
}

func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return fail(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Seed inserts the root unit for a host strategy epoch unless it exists.
func (s *Store) Seed(ctx context.Context, req crawler.SeedRequest) (crawler.WorkUnit, bool, error) {
	if req.ID == "" || req.Host == "" || req.Strategy == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("seed requires id, host and strategy")
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO work_units (id, host, strategy, epoch, page_cursor, status, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, '', 'pending', 0, '', $5, $5)
ON CONFLICT (host, strategy, epoch) WHERE parent_id IS NULL DO NOTHING
RETURNING `+unitColumns,
		req.ID, req.Host, req.Strategy, req.Epoch, req.Now.UTC())
	unit, err := scanUnit(row)
	if err == nil {
		return unit, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkUnit{}, false, fail("seed", err)
	}
	existing, err := scanUnit(s.pool.QueryRow(ctx, `
SELECT `+unitColumns+` FROM work_units
WHERE host = $1 AND strategy = $2 AND epoch = $3 AND parent_id IS NULL`,
		req.Host, req.Strategy, req.Epoch))
	if err != nil {
		return crawler.WorkUnit{}, false, fail("seed", fmt.Errorf("load existing root: %w", err))
	}
	return existing, false, nil
}

// Claim locks the oldest claimable unit with SKIP LOCKED so concurrent
// claimers never wait on each other, and hands it to the owner.
func (s *Store) Claim(ctx context.Context, req crawler.ClaimRequest) (crawler.WorkUnit, bool, error) {
	if req.Owner == "" {
		return crawler.WorkUnit{}, false, fmt.Errorf("claim requires an owner")
	}
	hosts := req.Hosts
	if hosts == nil {
		hosts = []string{}
	}
	row := s.pool.QueryRow(ctx, `
UPDATE work_units SET status = 'claimed', claim_owner = $1, claim_expires_at = $2, updated_at = $3
WHERE id = (
	SELECT id FROM work_units
	WHERE (status = 'pending' OR (status = 'claimed' AND claim_expires_at <= $3))
	  AND (cardinality($4::text[]) = 0 OR host = ANY($4::text[]))
	ORDER BY created_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING `+unitColumns,
		req.Owner, req.ExpiresAt().UTC(), req.Now.UTC(), hosts)
	unit, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkUnit{}, false, nil
	}
	if err != nil {
		return crawler.WorkUnit{}, false, fail("claim", err)
	}
	return unit, true, nil
}

// Complete verifies the claim, upserts records whose content hash changed,
// marks the unit done and inserts the successor in one transaction.
func (s *Store) Complete(ctx context.Context, req crawler.CompleteRequest) (crawler.CompleteResult, error) {
	var result crawler.CompleteResult
	err := s.inTx(ctx, "complete", func(tx pgx.Tx) error {
		unit, err := scanUnit(tx.QueryRow(ctx,
			`SELECT `+unitColumns+` FROM work_units WHERE id = $1 FOR UPDATE`, req.UnitID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("unit %s: %w", req.UnitID, crawler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock unit: %w", err)
		}
		if !unit.HeldBy(req.Owner, req.Now) {
			return fmt.Errorf("unit %s owner %s: %w", req.UnitID, req.Owner, crawler.ErrStaleClaim)
		}

		now := req.Now.UTC()
		result.Outcomes = make([]crawler.UpsertOutcome, 0, len(req.Records))
		for _, rec := range req.Records {
			outcome, err := upsertRecord(ctx, tx, unit.ID, now, rec)
			if err != nil {
				return err
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}

		if _, err := tx.Exec(ctx, `
UPDATE work_units SET status = 'done', claim_expires_at = NULL, updated_at = $2, completed_at = $2
WHERE id = $1`, unit.ID, now); err != nil {
			return fmt.Errorf("mark unit done: %w", err)
		}

		if req.Successor != nil {
			next := req.Successor
			if _, err := tx.Exec(ctx, `
INSERT INTO work_units (id, host, strategy, epoch, page_cursor, parent_id, status, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, '', $7, $7)`,
				next.ID, unit.Host, unit.Strategy, unit.Epoch, next.Cursor, unit.ID, now); err != nil {
				return fmt.Errorf("insert successor: %w", err)
			}
			result.SuccessorID = next.ID
		}
		return nil
	})
	if err != nil {
		return crawler.CompleteResult{}, err
	}
	return result, nil
}

// upsertRecord writes the record only when its hash differs from the stored
// one. xmax = 0 distinguishes a fresh insert from an update.
func upsertRecord(ctx context.Context, tx pgx.Tx, unitID string, now time.Time, rec crawler.RepositoryRecord) (crawler.UpsertOutcome, error) {
	languages := rec.Languages
	if languages == nil {
		languages = []string{}
	}
	topics := rec.Topics
	if topics == nil {
		topics = []string{}
	}
	var (
		inserted  bool
		firstSeen string
	)
	err := tx.QueryRow(ctx, `
INSERT INTO repositories (
	host, native_id, url, owner, owner_type, name, full_name, description, homepage,
	languages, topics, stars, forks, is_fork, forked_from,
	host_created_at, host_updated_at, host_pushed_at,
	last_seen_at, content_hash, first_seen_unit, last_changed_unit
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21
)
ON CONFLICT (host, native_id) DO UPDATE SET
	url = EXCLUDED.url,
	owner = EXCLUDED.owner,
	owner_type = EXCLUDED.owner_type,
	name = EXCLUDED.name,
	full_name = EXCLUDED.full_name,
	description = EXCLUDED.description,
	homepage = EXCLUDED.homepage,
	languages = EXCLUDED.languages,
	topics = EXCLUDED.topics,
	stars = EXCLUDED.stars,
	forks = EXCLUDED.forks,
	is_fork = EXCLUDED.is_fork,
	forked_from = EXCLUDED.forked_from,
	host_created_at = EXCLUDED.host_created_at,
	host_updated_at = EXCLUDED.host_updated_at,
	host_pushed_at = EXCLUDED.host_pushed_at,
	last_seen_at = EXCLUDED.last_seen_at,
	content_hash = EXCLUDED.content_hash,
	last_changed_unit = EXCLUDED.last_changed_unit
WHERE repositories.content_hash <> EXCLUDED.content_hash
RETURNING (xmax = 0), first_seen_unit`,
		rec.Host, rec.NativeID, rec.URL, rec.Owner, rec.OwnerType, rec.Name, rec.FullName,
		rec.Description, rec.Homepage, languages, topics, rec.Stars, rec.Forks, rec.IsFork,
		rec.ForkedFrom, rec.CreatedAt, rec.UpdatedAt, rec.PushedAt, now, rec.ContentHash, unitID,
	).Scan(&inserted, &firstSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.UpsertOutcome{Record: rec, Change: crawler.ChangeUnchanged}, nil
	}
	if err != nil {
		return crawler.UpsertOutcome{}, fmt.Errorf("upsert record %s: %w", rec.Key(), err)
	}
	rec.LastSeenAt = now
	rec.FirstSeenUnit = firstSeen
	rec.LastChangedUnit = unitID
	if inserted {
		return crawler.UpsertOutcome{Record: rec, Change: crawler.ChangeInserted}, nil
	}
	return crawler.UpsertOutcome{Record: rec, Change: crawler.ChangeUpdated}, nil
}

// Fail records a failed attempt with a compare-and-set on the claim.
func (s *Store) Fail(ctx context.Context, req crawler.FailRequest) (crawler.WorkUnit, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE work_units SET
	attempts = attempts + 1,
	last_error = $3,
	claim_expires_at = NULL,
	updated_at = $4,
	status = CASE WHEN $5::boolean OR ($6::int > 0 AND attempts + 1 >= $6::int) THEN 'failed' ELSE 'pending' END,
	claim_owner = CASE WHEN $5::boolean OR ($6::int > 0 AND attempts + 1 >= $6::int) THEN claim_owner ELSE NULL END
WHERE id = $1 AND status = 'claimed' AND claim_owner = $2 AND claim_expires_at > $4
RETURNING `+unitColumns,
		req.UnitID, req.Owner, req.Reason, req.Now.UTC(), req.Terminal, req.MaxAttempts)
	unit, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkUnit{}, s.staleOrMissing(ctx, req.UnitID, req.Owner)
	}
	if err != nil {
		return crawler.WorkUnit{}, fail("fail", err)
	}
	return unit, nil
}

// Release returns a held unit to pending without counting an attempt.
func (s *Store) Release(ctx context.Context, unitID, owner string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_units SET status = 'pending', claim_owner = NULL, claim_expires_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'claimed' AND claim_owner = $2 AND claim_expires_at > $3`,
		unitID, owner, now.UTC())
	if err != nil {
		return fail("release", err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, unitID, owner)
	}
	return nil
}

func (s *Store) staleOrMissing(ctx context.Context, unitID, owner string) error {
	if _, err := s.GetUnit(ctx, unitID); err != nil {
		return err
	}
	return fmt.Errorf("unit %s owner %s: %w", unitID, owner, crawler.ErrStaleClaim)
}

// ReclaimExpired returns every lapsed claim to pending.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE work_units SET status = 'pending', claim_owner = NULL, claim_expires_at = NULL, updated_at = $1
WHERE status = 'claimed' AND claim_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fail("reclaim", err)
	}
	return int(tag.RowsAffected()), nil
}

// RegisterInstance stores a new active lease.
func (s *Store) RegisterInstance(ctx context.Context, lease crawler.InstanceLease) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO instance_leases (id, hostname, pid, started_at, last_heartbeat_at, status)
VALUES ($1, $2, $3, $4, $5, 'active')`,
		lease.ID, lease.Hostname, lease.PID, lease.StartedAt.UTC(), lease.LastHeartbeatAt.UTC())
	return fail("register_instance", err)
}

// Heartbeat refreshes an active lease and extends the instance's live claims.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, now, claimsUntil time.Time) (int, error) {
	var extended int
	err := s.inTx(ctx, "heartbeat", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE instance_leases SET last_heartbeat_at = $2 WHERE id = $1 AND status = 'active'`,
			instanceID, now.UTC())
		if err != nil {
			return fmt.Errorf("refresh lease: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("instance %s: %w", instanceID, crawler.ErrLeaseExpired)
		}
		tag, err = tx.Exec(ctx, `
UPDATE work_units SET claim_expires_at = $3, updated_at = $2
WHERE claim_owner = $1 AND status = 'claimed' AND claim_expires_at > $2`,
			instanceID, now.UTC(), claimsUntil.UTC())
		if err != nil {
			return fmt.Errorf("extend claims: %w", err)
		}
		extended = int(tag.RowsAffected())
		return nil
	})
	return extended, err
}

// ExpireInstance marks a lease expired and releases all of its claims.
func (s *Store) ExpireInstance(ctx context.Context, instanceID string, now time.Time) (int, error) {
	var released int
	err := s.inTx(ctx, "expire_instance", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE instance_leases SET status = 'expired', expired_at = COALESCE(expired_at, $2) WHERE id = $1`,
			instanceID, now.UTC())
		if err != nil {
			return fmt.Errorf("expire lease: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("instance %s: %w", instanceID, crawler.ErrNotFound)
		}
		tag, err = tx.Exec(ctx, `
UPDATE work_units SET status = 'pending', claim_owner = NULL, claim_expires_at = NULL, updated_at = $2
WHERE claim_owner = $1 AND status = 'claimed'`, instanceID, now.UTC())
		if err != nil {
			return fmt.Errorf("release claims: %w", err)
		}
		released = int(tag.RowsAffected())
		return nil
	})
	return released, err
}

// ExpireStaleInstances expires active leases whose last heartbeat is older
// than cutoff and releases their claims.
func (s *Store) ExpireStaleInstances(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	var expired []string
	err := s.inTx(ctx, "expire_stale", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
UPDATE instance_leases SET status = 'expired', expired_at = $2
WHERE status = 'active' AND last_heartbeat_at < $1
RETURNING id`, cutoff.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("expire leases: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect expired leases: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
UPDATE work_units SET status = 'pending', claim_owner = NULL, claim_expires_at = NULL, updated_at = $2
WHERE status = 'claimed' AND claim_owner = ANY($1::text[])`, ids, now.UTC()); err != nil {
			return fmt.Errorf("release claims: %w", err)
		}
		expired = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(expired)
	return expired, nil
}

// GetUnit returns a unit by id.
func (s *Store) GetUnit(ctx context.Context, id string) (crawler.WorkUnit, error) {
	unit, err := scanUnit(s.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM work_units WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkUnit{}, fmt.Errorf("unit %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.WorkUnit{}, fail("get_unit", err)
	}
	return unit, nil
}

// ListUnits returns units matching filter, oldest first.
func (s *Store) ListUnits(ctx context.Context, filter crawler.UnitFilter) ([]crawler.WorkUnit, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Host != "" {
		add("host = $%d", filter.Host)
	}
	if filter.Owner != "" {
		add("claim_owner = $%d", filter.Owner)
	}
	query := `SELECT ` + unitColumns + ` FROM work_units`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail("list_units", err)
	}
	defer rows.Close()
	units := make([]crawler.WorkUnit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fail("list_units", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list_units", err)
	}
	return units, nil
}

// CountUnits tallies units by status.
func (s *Store) CountUnits(ctx context.Context) (map[crawler.UnitStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM work_units GROUP BY status`)
	if err != nil {
		return nil, fail("count_units", err)
	}
	defer rows.Close()
	counts := make(map[crawler.UnitStatus]int, 4)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fail("count_units", err)
		}
		counts[crawler.UnitStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("count_units", err)
	}
	return counts, nil
}

// GetRecord returns the stored record for host and native id.
func (s *Store) GetRecord(ctx context.Context, host, nativeID string) (crawler.RepositoryRecord, error) {
	var rec crawler.RepositoryRecord
	err := s.pool.QueryRow(ctx, `
SELECT host, native_id, url, owner, owner_type, name, full_name, description, homepage,
	languages, topics, stars, forks, is_fork, forked_from,
	host_created_at, host_updated_at, host_pushed_at,
	last_seen_at, content_hash, first_seen_unit, last_changed_unit
FROM repositories WHERE host = $1 AND native_id = $2`, host, nativeID).Scan(
		&rec.Host, &rec.NativeID, &rec.URL, &rec.Owner, &rec.OwnerType, &rec.Name, &rec.FullName,
		&rec.Description, &rec.Homepage, &rec.Languages, &rec.Topics, &rec.Stars, &rec.Forks,
		&rec.IsFork, &rec.ForkedFrom, &rec.CreatedAt, &rec.UpdatedAt, &rec.PushedAt,
		&rec.LastSeenAt, &rec.ContentHash, &rec.FirstSeenUnit, &rec.LastChangedUnit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.RepositoryRecord{}, fmt.Errorf("record %s/%s: %w", host, nativeID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.RepositoryRecord{}, fail("get_record", err)
	}
	return rec, nil
}

// ListInstances returns every lease, oldest first.
func (s *Store) ListInstances(ctx context.Context) ([]crawler.InstanceLease, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, hostname, pid, started_at, last_heartbeat_at, status, expired_at
FROM instance_leases ORDER BY started_at, id`)
	if err != nil {
		return nil, fail("list_instances", err)
	}
	defer rows.Close()
	leases := make([]crawler.InstanceLease, 0)
	for rows.Next() {
		var (
			lease  crawler.InstanceLease
			status string
		)
		if err := rows.Scan(&lease.ID, &lease.Hostname, &lease.PID, &lease.StartedAt,
			&lease.LastHeartbeatAt, &status, &lease.ExpiredAt); err != nil {
			return nil, fail("list_instances", err)
		}
		lease.Status = crawler.InstanceStatus(status)
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list_instances", err)
	}
	return leases, nil
}

// Package writer turns a parsed page into one durable checkpoint: records
// upserted by content hash, the unit marked done and its successor inserted,
// followed by downloader handoff for whatever changed.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/metrics"
)

// Config controls Writer behavior.
type Config struct {
	// Topic receives handoff messages; empty disables publishing.
	Topic string
}

// CommitResult reports what a commit changed.
type CommitResult struct {
	Inserted    int
	Updated     int
	Unchanged   int
	SuccessorID string
}

// Writer commits pages to the ledger.
type Writer struct {
	ledger    crawler.Ledger
	hasher    crawler.Hasher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	publisher crawler.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Writer. publisher may be nil.
func New(
	ledger crawler.Ledger,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	publisher crawler.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		ledger:    ledger,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("writer"),
	}
}

// Commit checkpoints unit with the page's records. It returns
// crawler.ErrStaleClaim, writing nothing, when owner no longer holds the unit.
func (w *Writer) Commit(ctx context.Context, unit crawler.WorkUnit, owner string, page crawler.Page) (CommitResult, error) {
	now := w.clock.Now().UTC()

	records, err := w.prepare(unit.Host, page.Records)
	if err != nil {
		return CommitResult{}, err
	}

	req := crawler.CompleteRequest{
		UnitID:  unit.ID,
		Owner:   owner,
		Now:     now,
		Records: records,
	}
	if !page.Complete {
		id, err := w.ids.NewID()
		if err != nil {
			return CommitResult{}, fmt.Errorf("successor id: %w", err)
		}
		req.Successor = &crawler.WorkUnit{
			ID:       id,
			Host:     unit.Host,
			Strategy: unit.Strategy,
			Epoch:    unit.Epoch,
			Cursor:   page.Next,
			ParentID: unit.ID,
			Status:   crawler.UnitPending,
		}
	}

	res, err := w.ledger.Complete(ctx, req)
	if err != nil {
		return CommitResult{}, fmt.Errorf("complete unit %s: %w", unit.ID, err)
	}

	out := CommitResult{SuccessorID: res.SuccessorID}
	out.Inserted, out.Updated, out.Unchanged = res.Counts()
	metrics.ObserveRecords(unit.Host, string(crawler.ChangeInserted), out.Inserted)
	metrics.ObserveRecords(unit.Host, string(crawler.ChangeUpdated), out.Updated)
	metrics.ObserveRecords(unit.Host, string(crawler.ChangeUnchanged), out.Unchanged)

	w.handoff(ctx, unit.ID, now, res.Outcomes)
	return out, nil
}

// prepare normalizes records, drops repeats of a native id within the page
// and stamps content hashes.
func (w *Writer) prepare(host string, in []crawler.RepositoryRecord) ([]crawler.RepositoryRecord, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]crawler.RepositoryRecord, 0, len(in))
	for _, rec := range in {
		if rec.Host == "" {
			rec.Host = host
		}
		if rec.NativeID == "" {
			return nil, crawler.ParseErrorf("record without native id on %s", host)
		}
		if _, dup := seen[rec.NativeID]; dup {
			continue
		}
		seen[rec.NativeID] = struct{}{}

		rec = Normalize(rec)
		hash, err := ContentHash(w.hasher, rec)
		if err != nil {
			return nil, err
		}
		rec.ContentHash = hash
		out = append(out, rec)
	}
	return out, nil
}

func (w *Writer) handoff(ctx context.Context, unitID string, now time.Time, outcomes []crawler.UpsertOutcome) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	for _, o := range outcomes {
		if o.Change == crawler.ChangeUnchanged {
			continue
		}
		msg := crawler.HandoffMessage{
			Host:        o.Record.Host,
			NativeID:    o.Record.NativeID,
			URL:         o.Record.URL,
			FullName:    o.Record.FullName,
			ContentHash: o.Record.ContentHash,
			UnitID:      unitID,
			Change:      o.Change,
			Timestamp:   now,
		}
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
			// The row is committed; the downloader catches up on the next change.
			w.logger.Warn("handoff publish failed",
				zap.String("unit_id", unitID),
				zap.String("record", o.Record.Key()),
				zap.Error(err),
			)
		}
	}
}

// Normalize returns rec with list fields sorted and de-duplicated and host
// timestamps in UTC, so equal content always hashes equally.
func Normalize(rec crawler.RepositoryRecord) crawler.RepositoryRecord {
	rec.Languages = sortedSet(rec.Languages)
	rec.Topics = sortedSet(rec.Topics)
	rec.CreatedAt = utc(rec.CreatedAt)
	rec.UpdatedAt = utc(rec.UpdatedAt)
	rec.PushedAt = utc(rec.PushedAt)
	return rec
}

// hashedFields is the canonical encoding of a record's host-sourced content.
// Field order is fixed by the struct.
type hashedFields struct {
	Host        string     `json:"host"`
	NativeID    string     `json:"native_id"`
	URL         string     `json:"url"`
	Owner       string     `json:"owner"`
	OwnerType   string     `json:"owner_type"`
	Name        string     `json:"name"`
	FullName    string     `json:"full_name"`
	Description string     `json:"description"`
	Homepage    string     `json:"homepage"`
	Languages   []string   `json:"languages"`
	Topics      []string   `json:"topics"`
	Stars       int        `json:"stars"`
	Forks       int        `json:"forks"`
	IsFork      bool       `json:"is_fork"`
	ForkedFrom  string     `json:"forked_from"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	PushedAt    *time.Time `json:"pushed_at"`
}

// ContentHash digests the normalized host-sourced fields of rec. LastSeenAt,
// the stored hash and the unit ids do not contribute.
func ContentHash(h crawler.Hasher, rec crawler.RepositoryRecord) (string, error) {
	rec = Normalize(rec)
	body, err := json.Marshal(hashedFields{
		Host:        rec.Host,
		NativeID:    rec.NativeID,
		URL:         rec.URL,
		Owner:       rec.Owner,
		OwnerType:   rec.OwnerType,
		Name:        rec.Name,
		FullName:    rec.FullName,
		Description: rec.Description,
		Homepage:    rec.Homepage,
		Languages:   rec.Languages,
		Topics:      rec.Topics,
		Stars:       rec.Stars,
		Forks:       rec.Forks,
		IsFork:      rec.IsFork,
		ForkedFrom:  rec.ForkedFrom,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		PushedAt:    rec.PushedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode record %s: %w", rec.Key(), err)
	}
	sum, err := h.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash record %s: %w", rec.Key(), err)
	}
	return sum, nil
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

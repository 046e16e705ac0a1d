// Package replay re-parses archived host responses and checks that the
// records they produce still match what the ledger holds.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/adapter"
	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/worker"
	"github.com/JakeFAU/repo-collector/internal/writer"
)

// Reader is the read side replay needs.
type Reader interface {
	GetUnit(ctx context.Context, id string) (crawler.WorkUnit, error)
	ListUnits(ctx context.Context, filter crawler.UnitFilter) ([]crawler.WorkUnit, error)
	GetRecord(ctx context.Context, host, nativeID string) (crawler.RepositoryRecord, error)
}

// Report is the verdict for one unit.
type Report struct {
	UnitID  string `json:"unit_id"`
	Host    string `json:"host"`
	Matched int    `json:"matched"`
	// Mismatched lists records this unit last wrote whose stored hash differs
	// from the replayed one.
	Mismatched []string `json:"mismatched,omitempty"`
	// Superseded lists records a later unit has since changed.
	Superseded []string `json:"superseded,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Next       string   `json:"next,omitempty"`
}

// OK reports whether every replayed record is accounted for.
func (r Report) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0
}

// Verifier replays archived units.
type Verifier struct {
	reader   Reader
	archive  crawler.BlobStore
	registry *adapter.Registry
	hasher   crawler.Hasher
	prefix   string
	logger   *zap.Logger
}

// New constructs a Verifier. prefix must match the workers' archive prefix.
func New(reader Reader, archive crawler.BlobStore, registry *adapter.Registry, hasher crawler.Hasher, prefix string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		reader:   reader,
		archive:  archive,
		registry: registry,
		hasher:   hasher,
		prefix:   prefix,
		logger:   logger.Named("replay"),
	}
}

// VerifyID loads a unit and verifies it.
func (v *Verifier) VerifyID(ctx context.Context, unitID string) (Report, error) {
	unit, err := v.reader.GetUnit(ctx, unitID)
	if err != nil {
		return Report{}, fmt.Errorf("load unit: %w", err)
	}
	return v.Verify(ctx, unit)
}

// Verify re-parses the archived response of a done unit, replays its
// enrichment from the archive, and compares each record's content hash with
// the stored row.
func (v *Verifier) Verify(ctx context.Context, unit crawler.WorkUnit) (Report, error) {
	if unit.Status != crawler.UnitDone {
		return Report{}, fmt.Errorf("unit %s is %s, only done units can be replayed", unit.ID, unit.Status)
	}
	a, ok := v.registry.Adapter(unit.Host)
	if !ok {
		return Report{}, fmt.Errorf("no adapter registered for host %q", unit.Host)
	}
	req, err := a.Request(unit)
	if err != nil {
		return Report{}, fmt.Errorf("rebuild request: %w", err)
	}
	body, err := v.archive.GetObject(ctx, worker.ArchivePath(v.prefix, unit))
	if err != nil {
		return Report{}, fmt.Errorf("load archived response: %w", err)
	}

	page, err := adapter.Parse(a, unit, crawler.RawResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Body:       body,
	})
	if err != nil {
		return Report{}, err
	}
	if _, ok := a.(crawler.Enricher); ok {
		followups, err := v.followups(ctx, unit)
		if err != nil {
			return Report{}, err
		}
		page, err = adapter.Enrich(ctx, adapter.NewArchivedClient(unit.Host, followups), a, unit, page)
		if err != nil {
			return Report{}, fmt.Errorf("replay enrichment: %w", err)
		}
	}

	report := Report{UnitID: unit.ID, Host: unit.Host, Next: page.Next}
	for _, rec := range page.Records {
		want, err := writer.ContentHash(v.hasher, rec)
		if err != nil {
			return Report{}, err
		}
		stored, err := v.reader.GetRecord(ctx, rec.Host, rec.NativeID)
		switch {
		case errors.Is(err, crawler.ErrNotFound):
			report.Missing = append(report.Missing, rec.Key())
		case err != nil:
			return Report{}, fmt.Errorf("load record %s: %w", rec.Key(), err)
		case stored.ContentHash == want:
			report.Matched++
		case stored.LastChangedUnit != unit.ID:
			report.Superseded = append(report.Superseded, rec.Key())
		default:
			report.Mismatched = append(report.Mismatched, rec.Key())
		}
	}
	if !report.OK() {
		v.logger.Warn("replay mismatch",
			zap.String("unit_id", unit.ID),
			zap.Strings("mismatched", report.Mismatched),
			zap.Strings("missing", report.Missing),
		)
	}
	return report, nil
}

// followups loads the enrichment responses archived with unit. Units whose
// records needed no follow-up requests have none.
func (v *Verifier) followups(ctx context.Context, unit crawler.WorkUnit) ([]crawler.RawResponse, error) {
	body, err := v.archive.GetObject(ctx, worker.FollowupsPath(v.prefix, unit))
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load archived enrichment: %w", err)
	}
	var out []crawler.RawResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode archived enrichment: %w", err)
	}
	return out, nil
}

// VerifyDone replays up to limit done units of host (all hosts when empty).
func (v *Verifier) VerifyDone(ctx context.Context, host string, limit int) ([]Report, error) {
	units, err := v.reader.ListUnits(ctx, crawler.UnitFilter{Status: crawler.UnitDone, Host: host, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list done units: %w", err)
	}
	reports := make([]Report, 0, len(units))
	for _, unit := range units {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := v.Verify(ctx, unit)
		if err != nil {
			return reports, fmt.Errorf("verify unit %s: %w", unit.ID, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

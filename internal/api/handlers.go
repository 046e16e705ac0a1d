package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

const (
	defaultUnitLimit = 100
	maxUnitLimit     = 1000
)

// listUnits handles GET /v1/units?status=&host=&owner=&limit=. Without a
// status filter it lists failed units, which are the ones needing an operator.
func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	filter, err := parseUnitFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	units, err := s.reader.ListUnits(ctx, filter)
	if err != nil {
		s.ledgerError(w, "list units", err)
		return
	}
	if units == nil {
		units = []crawler.WorkUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) unitSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	counts, err := s.reader.CountUnits(ctx)
	if err != nil {
		s.ledgerError(w, "count units", err)
		return
	}
	out := map[crawler.UnitStatus]int{
		crawler.UnitPending: 0,
		crawler.UnitClaimed: 0,
		crawler.UnitDone:    0,
		crawler.UnitFailed:  0,
	}
	for status, n := range counts {
		out[status] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": out})
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	unit, err := s.reader.GetUnit(ctx, chi.URLParam(r, "unit_id"))
	if err != nil {
		s.ledgerError(w, "get unit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit": unit})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	rec, err := s.reader.GetRecord(ctx, chi.URLParam(r, "host"), chi.URLParam(r, "native_id"))
	if err != nil {
		s.ledgerError(w, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	leases, err := s.reader.ListInstances(ctx)
	if err != nil {
		s.ledgerError(w, "list instances", err)
		return
	}
	if leases == nil {
		leases = []crawler.InstanceLease{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": leases})
}

func (s *Server) listBudgets(w http.ResponseWriter, _ *http.Request) {
	budgets := []crawler.HostBudget{}
	if s.budgets != nil {
		budgets = append(budgets, s.budgets.Snapshots()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (s *Server) ledgerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawler.ErrLedgerUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+" unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func parseUnitFilter(r *http.Request) (crawler.UnitFilter, error) {
	q := r.URL.Query()
	filter := crawler.UnitFilter{
		Status: crawler.UnitFailed,
		Host:   strings.TrimSpace(q.Get("host")),
		Owner:  strings.TrimSpace(q.Get("owner")),
		Limit:  defaultUnitLimit,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := crawler.UnitStatus(strings.ToLower(raw))
		if !status.Valid() {
			return filter, errors.New("invalid status")
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = min(val, maxUnitLimit)
	}
	return filter, nil
}

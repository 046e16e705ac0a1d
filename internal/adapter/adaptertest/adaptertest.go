// Package adaptertest provides a scripted host that acts as both adapter and
// host client, for exercising the collector pipeline without a network.
package adaptertest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Listing is one scripted page: the native ids it lists and the cursor of the
// page after it. An empty Next ends the enumeration.
type Listing struct {
	IDs  []string
	Next string
}

// Host serves Listings by cursor. It implements crawler.Adapter and
// crawler.HostClient for the same host.
type Host struct {
	name string

	mu       sync.Mutex
	listings map[string]Listing
	queued   map[string][]error
	calls    map[string]int
	before   func(ctx context.Context, cursor string) error
}

// New returns a Host named name serving listings.
func New(name string, listings map[string]Listing) *Host {
	return &Host{
		name:     name,
		listings: listings,
		queued:   make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Chain builds listings of pages pages with perPage ids each, chained by
// cursors "", "p2", "p3", and so on.
func Chain(pages, perPage int) map[string]Listing {
	out := make(map[string]Listing, pages)
	cursor := ""
	for p := 1; p <= pages; p++ {
		ids := make([]string, 0, perPage)
		for i := 1; i <= perPage; i++ {
			ids = append(ids, fmt.Sprintf("%d", (p-1)*perPage+i))
		}
		next := ""
		if p < pages {
			next = fmt.Sprintf("p%d", p+1)
		}
		out[cursor] = Listing{IDs: ids, Next: next}
		cursor = next
	}
	return out
}

// FailNext makes the next len(errs) fetches of cursor return errs in order.
func (h *Host) FailNext(cursor string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued[cursor] = append(h.queued[cursor], errs...)
}

// Before installs a hook that runs at the start of every fetch; a non-nil
// return fails the fetch.
func (h *Host) Before(fn func(ctx context.Context, cursor string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = fn
}

// Calls returns how many fetches of cursor were attempted.
func (h *Host) Calls(cursor string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[cursor]
}

// Host returns the host identifier.
func (h *Host) Host() string { return h.name }

// Request encodes the unit cursor in the listing URL.
func (h *Host) Request(unit crawler.WorkUnit) (crawler.Request, error) {
	return crawler.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("https://%s.test/list?cursor=%s", h.name, url.QueryEscape(unit.Cursor)),
	}, nil
}

// Execute serves the listing the request names.
func (h *Host) Execute(ctx context.Context, req crawler.Request) (crawler.RawResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.RawResponse{}, crawler.PermanentErrorf("bad url %q", req.URL)
	}
	cursor := u.Query().Get("cursor")

	h.mu.Lock()
	h.calls[cursor]++
	before := h.before
	var queued error
	if errs := h.queued[cursor]; len(errs) > 0 {
		queued, h.queued[cursor] = errs[0], errs[1:]
	}
	listing, ok := h.listings[cursor]
	h.mu.Unlock()

	if before != nil {
		if err := before(ctx, cursor); err != nil {
			return crawler.RawResponse{}, err
		}
	}
	if queued != nil {
		return crawler.RawResponse{}, queued
	}
	if !ok {
		return crawler.RawResponse{}, &crawler.HostError{Kind: crawler.ErrPermanent, Host: h.name, URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return crawler.RawResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(listing.Next + "\n" + strings.Join(listing.IDs, ",")),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Parse decodes the body Execute produced.
func (h *Host) Parse(unit crawler.WorkUnit, raw crawler.RawResponse) (crawler.Page, error) {
	next, list, ok := strings.Cut(string(raw.Body), "\n")
	if !ok {
		return crawler.Page{}, crawler.ParseErrorf("listing body has no header line")
	}
	page := crawler.Page{Next: next, Complete: next == "", Raw: raw}
	if list == "" {
		return page, nil
	}
	for _, id := range strings.Split(list, ",") {
		page.Records = append(page.Records, Record(h.name, id))
	}
	return page, nil
}

// Record is the record a Host produces for id.
func Record(host, id string) crawler.RepositoryRecord {
	return crawler.RepositoryRecord{
		Host:     host,
		NativeID: id,
		URL:      fmt.Sprintf("https://%s.test/org/repo-%s", host, id),
		Owner:    "org",
		Name:     "repo-" + id,
		FullName: "org/repo-" + id,
	}
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/repo-collector/internal/crawler"
	"github.com/JakeFAU/repo-collector/internal/hostclient"
)

// Enrich completes every record of page when a implements crawler.Enricher.
// The responses it consumed are kept on the page so they can be archived and
// replayed with the listing.
func Enrich(ctx context.Context, client crawler.HostClient, a crawler.Adapter, unit crawler.WorkUnit, page crawler.Page) (crawler.Page, error) {
	e, ok := a.(crawler.Enricher)
	if !ok || len(page.Records) == 0 {
		return page, nil
	}
	rec := &recordingClient{client: client}
	for i := range page.Records {
		enriched, err := e.Enrich(ctx, rec, unit, page.Records[i])
		if err != nil {
			return crawler.Page{}, fmt.Errorf("enrich unit %s record %s: %w", unit.ID, page.Records[i].Key(), err)
		}
		if enriched.NativeID != page.Records[i].NativeID {
			return crawler.Page{}, fmt.Errorf("enrich unit %s: %w", unit.ID,
				crawler.ParseErrorf("enrichment changed native id %s to %s", page.Records[i].NativeID, enriched.NativeID))
		}
		page.Records[i] = enriched
	}
	page.Followups = rec.responses
	return page, nil
}

// recordingClient passes requests through and keeps what came back. Only
// permanent failures are kept among errors since they are the only ones an
// enricher absorbs. An oversized body is kept as a 413 so replay refuses it
// the same way.
type recordingClient struct {
	client    crawler.HostClient
	mu        sync.Mutex
	responses []crawler.RawResponse
}

func (r *recordingClient) Host() string {
	return r.client.Host()
}

func (r *recordingClient) Execute(ctx context.Context, req crawler.Request) (crawler.RawResponse, error) {
	raw, err := r.client.Execute(ctx, req)
	if err != nil {
		var he *crawler.HostError
		if errors.Is(err, crawler.ErrPermanent) && errors.As(err, &he) && he.StatusCode != 0 {
			status := he.StatusCode
			if errors.Is(err, hostclient.ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			r.keep(crawler.RawResponse{URL: req.URL, StatusCode: status})
		}
		return raw, err
	}
	if raw.URL == "" {
		raw.URL = req.URL
	}
	r.keep(raw)
	return raw, nil
}

func (r *recordingClient) keep(raw crawler.RawResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, raw)
}

// ArchivedClient answers requests from responses recorded during a live run.
// A URL with no recording is reported as a 404.
type ArchivedClient struct {
	host      string
	responses map[string]crawler.RawResponse
}

// NewArchivedClient indexes recorded responses by URL. The last recording of
// a URL wins.
func NewArchivedClient(host string, responses []crawler.RawResponse) *ArchivedClient {
	byURL := make(map[string]crawler.RawResponse, len(responses))
	for _, raw := range responses {
		byURL[raw.URL] = raw
	}
	return &ArchivedClient{host: host, responses: byURL}
}

// Host returns the host identifier.
func (c *ArchivedClient) Host() string {
	return c.host
}

// Execute returns the recorded response for req.URL.
func (c *ArchivedClient) Execute(_ context.Context, req crawler.Request) (crawler.RawResponse, error) {
	raw, ok := c.responses[req.URL]
	if !ok {
		raw = crawler.RawResponse{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	if raw.StatusCode >= http.StatusBadRequest {
		return crawler.RawResponse{}, &crawler.HostError{
			Kind:       crawler.ErrPermanent,
			Host:       c.host,
			URL:        req.URL,
			StatusCode: raw.StatusCode,
		}
	}
	return raw, nil
}

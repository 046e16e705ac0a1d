// Package adapter selects per-host fetch adapters and drives one step of
// enumeration through a host client.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Registry maps host identifiers to adapters and their clients.
type Registry struct {
	adapters map[string]crawler.Adapter
	clients  map[string]crawler.HostClient
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]crawler.Adapter),
		clients:  make(map[string]crawler.HostClient),
	}
}

// Register binds an adapter and the client that talks to its host.
func (r *Registry) Register(a crawler.Adapter, client crawler.HostClient) error {
	if a == nil || client == nil {
		return fmt.Errorf("adapter and client are required")
	}
	host := a.Host()
	if host == "" {
		return fmt.Errorf("adapter host is empty")
	}
	if client.Host() != host {
		return fmt.Errorf("client host %q does not match adapter host %q", client.Host(), host)
	}
	if _, exists := r.adapters[host]; exists {
		return fmt.Errorf("adapter for host %q already registered", host)
	}
	r.adapters[host] = a
	r.clients[host] = client
	return nil
}

// Lookup returns the adapter and client for host.
func (r *Registry) Lookup(host string) (crawler.Adapter, crawler.HostClient, bool) {
	a, ok := r.adapters[host]
	if !ok {
		return nil, nil, false
	}
	return a, r.clients[host], true
}

// Adapter returns only the adapter for host; replay needs no client.
func (r *Registry) Adapter(host string) (crawler.Adapter, bool) {
	a, ok := r.adapters[host]
	return a, ok
}

// Hosts returns the registered host identifiers in sorted order.
func (r *Registry) Hosts() []string {
	hosts := make([]string, 0, len(r.adapters))
	for h := range r.adapters {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Advance fetches the page a unit's cursor names, parses it and enriches
// the records when the adapter supports it.
func Advance(ctx context.Context, client crawler.HostClient, a crawler.Adapter, unit crawler.WorkUnit) (crawler.Page, error) {
	req, err := a.Request(unit)
	if err != nil {
		if !errors.Is(err, crawler.ErrParse) && !errors.Is(err, crawler.ErrPermanent) {
			err = fmt.Errorf("%w: %w", crawler.ErrPermanent, err)
		}
		return crawler.Page{}, fmt.Errorf("build request for unit %s: %w", unit.ID, err)
	}
	raw, err := client.Execute(ctx, req)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("fetch unit %s: %w", unit.ID, err)
	}
	page, err := Parse(a, unit, raw)
	if err != nil {
		return crawler.Page{}, err
	}
	return Enrich(ctx, client, a, unit, page)
}

// Parse runs the adapter's parser and checks the continuation it returns.
func Parse(a crawler.Adapter, unit crawler.WorkUnit, raw crawler.RawResponse) (crawler.Page, error) {
	page, err := a.Parse(unit, raw)
	if err != nil {
		if !errors.Is(err, crawler.ErrParse) && !errors.Is(err, crawler.ErrPermanent) {
			err = fmt.Errorf("%w: %w", crawler.ErrParse, err)
		}
		return crawler.Page{}, fmt.Errorf("parse unit %s: %w", unit.ID, err)
	}
	if !page.Complete {
		if page.Next == "" {
			return crawler.Page{}, fmt.Errorf("parse unit %s: %w", unit.ID,
				crawler.ParseErrorf("incomplete page without a next cursor"))
		}
		if page.Next == unit.Cursor {
			return crawler.Page{}, fmt.Errorf("parse unit %s: %w", unit.ID,
				crawler.ParseErrorf("next cursor %q does not advance", page.Next))
		}
	}
	for i := range page.Records {
		if page.Records[i].Host == "" {
			page.Records[i].Host = unit.Host
		}
		if page.Records[i].NativeID == "" {
			return crawler.Page{}, fmt.Errorf("parse unit %s: %w", unit.ID,
				crawler.ParseErrorf("record %d has no native id", i))
		}
	}
	page.Raw = raw
	return page, nil
}

// Package github enumerates public repositories on GitHub, either through the
// full-catalogue /repositories listing (cursor = last seen id) or through the
// search API (cursor = page number). Listings can be enriched per repository
// from the repository API, falling back to the project page.
package github

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Strategy kinds.
const (
	KindAll    = "all"
	KindSearch = "search"
)

// searchWindow is the maximum number of results the search API will page through.
const searchWindow = 1000

// Strategy configures one named enumeration strategy.
type Strategy struct {
	Kind    string
	Query   string
	Sort    string
	Order   string
	PerPage int
	// Enrich fetches each listed repository's full metadata and languages.
	Enrich bool
}

// Config configures the adapter.
type Config struct {
	Host       string
	BaseURL string
	// WebURL is where project pages are scraped when the API cannot serve a
	// repository.
	WebURL     string
	Strategies map[string]Strategy
}

// Adapter implements crawler.Adapter for GitHub.
type Adapter struct {
	host       string
	baseURL    string
	webURL     string
	strategies map[string]Strategy
}

// New builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		cfg.Host = "github"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.WebURL == "" {
		cfg.WebURL = "https://github.com"
	}
	if _, err := url.Parse(cfg.WebURL); err != nil {
		return nil, fmt.Errorf("parse web url: %w", err)
	}
	strategies := make(map[string]Strategy, len(cfg.Strategies))
	for name, s := range cfg.Strategies {
		switch s.Kind {
		case KindAll:
		case KindSearch:
			if s.Query == "" {
				return nil, fmt.Errorf("strategy %q: search query is required", name)
			}
		default:
			return nil, fmt.Errorf("strategy %q: unknown kind %q", name, s.Kind)
		}
		if s.PerPage <= 0 || s.PerPage > 100 {
			s.PerPage = 100
		}
		strategies[name] = s
	}
	if len(strategies) == 0 {
		strategies["all"] = Strategy{Kind: KindAll, PerPage: 100, Enrich: true}
	}
	return &Adapter{
		host:       cfg.Host,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		webURL:     strings.TrimRight(cfg.WebURL, "/"),
		strategies: strategies,
	}, nil
}

// Host returns the host identifier.
func (a *Adapter) Host() string {
	return a.host
}

// Strategies returns the configured strategy names.
func (a *Adapter) Strategies() []string {
	names := make([]string, 0, len(a.strategies))
	for name := range a.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Adapter) strategy(unit crawler.WorkUnit) (Strategy, error) {
	s, ok := a.strategies[unit.Strategy]
	if !ok {
		return Strategy{}, crawler.PermanentErrorf("unknown strategy %q for host %s", unit.Strategy, a.host)
	}
	return s, nil
}

// Request builds the request for the unit's cursor.
func (a *Adapter) Request(unit crawler.WorkUnit) (crawler.Request, error) {
	s, err := a.strategy(unit)
	if err != nil {
		return crawler.Request{}, err
	}
	q := url.Values{}
	var path string
	switch s.Kind {
	case KindSearch:
		page, err := pageNumber(unit.Cursor)
		if err != nil {
			return crawler.Request{}, err
		}
		path = "/search/repositories"
		q.Set("q", s.Query)
		if s.Sort != "" {
			q.Set("sort", s.Sort)
		}
		if s.Order != "" {
			q.Set("order", s.Order)
		}
		q.Set("per_page", strconv.Itoa(s.PerPage))
		q.Set("page", strconv.Itoa(page))
	default:
		path = "/repositories"
		if unit.Cursor != "" {
			if _, err := strconv.ParseInt(unit.Cursor, 10, 64); err != nil {
				return crawler.Request{}, crawler.ParseErrorf("since cursor %q is not an id", unit.Cursor)
			}
			q.Set("since", unit.Cursor)
		}
	}
	u := a.baseURL + path
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return a.apiRequest(u), nil
}

// Parse turns a GitHub response into records and a continuation.
func (a *Adapter) Parse(unit crawler.WorkUnit, raw crawler.RawResponse) (crawler.Page, error) {
	s, err := a.strategy(unit)
	if err != nil {
		return crawler.Page{}, err
	}
	if s.Kind == KindSearch {
		return a.parseSearch(unit, s, raw)
	}
	return a.parseAll(raw)
}

func (a *Adapter) parseAll(raw crawler.RawResponse) (crawler.Page, error) {
	var repos []*gh.Repository
	if err := json.Unmarshal(raw.Body, &repos); err != nil {
		return crawler.Page{}, crawler.ParseErrorf("decode repository listing: %v", err)
	}
	if len(repos) == 0 {
		return crawler.Page{Complete: true}, nil
	}
	records := make([]crawler.RepositoryRecord, 0, len(repos))
	var lastID int64
	for _, repo := range repos {
		if repo == nil || repo.GetID() == 0 {
			return crawler.Page{}, crawler.ParseErrorf("repository without id")
		}
		records = append(records, a.normalize(repo))
		if repo.GetID() > lastID {
			lastID = repo.GetID()
		}
	}
	return crawler.Page{
		Records: records,
		Next:    strconv.FormatInt(lastID, 10),
	}, nil
}

func (a *Adapter) parseSearch(unit crawler.WorkUnit, s Strategy, raw crawler.RawResponse) (crawler.Page, error) {
	page, err := pageNumber(unit.Cursor)
	if err != nil {
		return crawler.Page{}, err
	}
	var result gh.RepositoriesSearchResult
	if err := json.Unmarshal(raw.Body, &result); err != nil {
		return crawler.Page{}, crawler.ParseErrorf("decode search result: %v", err)
	}
	records := make([]crawler.RepositoryRecord, 0, len(result.Repositories))
	for _, repo := range result.Repositories {
		if repo == nil || repo.GetID() == 0 {
			return crawler.Page{}, crawler.ParseErrorf("repository without id")
		}
		records = append(records, a.normalize(repo))
	}
	reachable := min(result.GetTotal(), searchWindow)
	complete := len(result.Repositories) < s.PerPage || page*s.PerPage >= reachable
	out := crawler.Page{Records: records, Complete: complete}
	if !complete {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (a *Adapter) normalize(repo *gh.Repository) crawler.RepositoryRecord {
	rec := crawler.RepositoryRecord{
		Host:        a.host,
		NativeID:    strconv.FormatInt(repo.GetID(), 10),
		URL:         repo.GetHTMLURL(),
		Owner:       repo.GetOwner().GetLogin(),
		OwnerType:   strings.ToLower(repo.GetOwner().GetType()),
		Name:        repo.GetName(),
		FullName:    repo.GetFullName(),
		Description: repo.GetDescription(),
		Homepage:    repo.GetHomepage(),
		Stars:       repo.GetStargazersCount(),
		Forks:       repo.GetForksCount(),
		IsFork:      repo.GetFork(),
		ForkedFrom:  repo.GetParent().GetFullName(),
		CreatedAt:   timestamp(repo.CreatedAt),
		UpdatedAt:   timestamp(repo.UpdatedAt),
		PushedAt:    timestamp(repo.PushedAt),
	}
	if rec.FullName == "" && rec.Owner != "" && rec.Name != "" {
		rec.FullName = rec.Owner + "/" + rec.Name
	}
	if rec.URL == "" && rec.FullName != "" {
		rec.URL = "https://github.com/" + rec.FullName
	}
	if lang := repo.GetLanguage(); lang != "" {
		rec.Languages = []string{lang}
	}
	if len(repo.Topics) > 0 {
		rec.Topics = append([]string(nil), repo.Topics...)
		sort.Strings(rec.Topics)
	}
	return rec
}

func timestamp(ts *gh.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.UTC()
	return &t
}

func pageNumber(cursor string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		return 0, crawler.ParseErrorf("page cursor %q is not a positive integer", cursor)
	}
	return page, nil
}

// Package gitlab enumerates public projects on a GitLab instance with keyset
// pagination ordered by project id.
package gitlab

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Config configures the adapter.
type Config struct {
	Host    string
	BaseURL string
	PerPage int
	// Strategies lists the accepted strategy names; all of them enumerate the
	// whole catalogue.
	Strategies []string
}

// Adapter implements crawler.Adapter for GitLab.
type Adapter struct {
	host       string
	baseURL    string
	perPage    int
	strategies map[string]struct{}
}

type project struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Path              string     `json:"path"`
	PathWithNamespace string     `json:"path_with_namespace"`
	WebURL            string     `json:"web_url"`
	Description       string     `json:"description"`
	StarCount         int        `json:"star_count"`
	ForksCount        int        `json:"forks_count"`
	Topics            []string   `json:"topics"`
	CreatedAt         *time.Time `json:"created_at"`
	LastActivityAt    *time.Time `json:"last_activity_at"`
	Namespace         struct {
		Path     string `json:"path"`
		FullPath string `json:"full_path"`
		Kind     string `json:"kind"`
	} `json:"namespace"`
	ForkedFromProject *struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"forked_from_project"`
}

// New builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		cfg.Host = "gitlab"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gitlab.com/api/v4"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.PerPage <= 0 || cfg.PerPage > 100 {
		cfg.PerPage = 100
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []string{"all"}
	}
	strategies := make(map[string]struct{}, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s] = struct{}{}
	}
	return &Adapter{
		host:       cfg.Host,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		perPage:    cfg.PerPage,
		strategies: strategies,
	}, nil
}

// Host returns the host identifier.
func (a *Adapter) Host() string {
	return a.host
}

// Strategies returns the accepted strategy names.
func (a *Adapter) Strategies() []string {
	names := make([]string, 0, len(a.strategies))
	for name := range a.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Adapter) checkStrategy(unit crawler.WorkUnit) error {
	if _, ok := a.strategies[unit.Strategy]; !ok {
		return crawler.PermanentErrorf("unknown strategy %q for host %s", unit.Strategy, a.host)
	}
	return nil
}

// Request builds the keyset page request after the cursor id.
func (a *Adapter) Request(unit crawler.WorkUnit) (crawler.Request, error) {
	if err := a.checkStrategy(unit); err != nil {
		return crawler.Request{}, err
	}
	q := url.Values{}
	q.Set("pagination", "keyset")
	q.Set("order_by", "id")
	q.Set("sort", "asc")
	q.Set("visibility", "public")
	q.Set("per_page", strconv.Itoa(a.perPage))
	if unit.Cursor != "" {
		if _, err := strconv.ParseInt(unit.Cursor, 10, 64); err != nil {
			return crawler.Request{}, crawler.ParseErrorf("id cursor %q is not an id", unit.Cursor)
		}
		q.Set("id_after", unit.Cursor)
	}
	return crawler.Request{
		Method: http.MethodGet,
		URL:    a.baseURL + "/projects?" + q.Encode(),
		Header: http.Header{"Accept": {"application/json"}},
	}, nil
}

// Parse decodes a project page.
func (a *Adapter) Parse(unit crawler.WorkUnit, raw crawler.RawResponse) (crawler.Page, error) {
	if err := a.checkStrategy(unit); err != nil {
		return crawler.Page{}, err
	}
	var projects []project
	if err := json.Unmarshal(raw.Body, &projects); err != nil {
		return crawler.Page{}, crawler.ParseErrorf("decode project listing: %v", err)
	}
	records := make([]crawler.RepositoryRecord, 0, len(projects))
	var lastID int64
	for _, p := range projects {
		if p.ID == 0 {
			return crawler.Page{}, crawler.ParseErrorf("project without id")
		}
		records = append(records, a.normalize(p))
		if p.ID > lastID {
			lastID = p.ID
		}
	}
	if len(projects) < a.perPage {
		return crawler.Page{Records: records, Complete: true}, nil
	}
	return crawler.Page{Records: records, Next: strconv.FormatInt(lastID, 10)}, nil
}

func (a *Adapter) normalize(p project) crawler.RepositoryRecord {
	owner := p.Namespace.FullPath
	if owner == "" {
		owner = p.Namespace.Path
	}
	rec := crawler.RepositoryRecord{
		Host:        a.host,
		NativeID:    strconv.FormatInt(p.ID, 10),
		URL:         p.WebURL,
		Owner:       owner,
		OwnerType:   p.Namespace.Kind,
		Name:        p.Path,
		FullName:    p.PathWithNamespace,
		Description: p.Description,
		Stars:       p.StarCount,
		Forks:       p.ForksCount,
		CreatedAt:   utc(p.CreatedAt),
		UpdatedAt:   utc(p.LastActivityAt),
	}
	if rec.Name == "" {
		rec.Name = p.Name
	}
	if p.ForkedFromProject != nil {
		rec.IsFork = true
		rec.ForkedFrom = p.ForkedFromProject.PathWithNamespace
	}
	if len(p.Topics) > 0 {
		rec.Topics = append([]string(nil), p.Topics...)
		sort.Strings(rec.Topics)
	}
	return rec
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

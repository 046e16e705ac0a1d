// Package htmlindex enumerates repositories on hosts without a usable API by
// scraping their paginated HTML project index. The cursor is the URL of the
// index page to fetch.
package htmlindex

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Selectors locate repository fields in an index page. Field selectors are
// evaluated relative to each Item match.
type Selectors struct {
	Item        string
	Link        string
	IDAttr      string
	Description string
	Language    string
	Stars       string
	Next        string
}

// Config configures the adapter.
type Config struct {
	Host       string
	StartURL   string
	Selectors  Selectors
	Strategies []string
}

// Adapter implements crawler.Adapter by scraping HTML.
type Adapter struct {
	host       string
	start      *url.URL
	sel        Selectors
	strategies map[string]struct{}
}

// New builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	start, err := url.Parse(cfg.StartURL)
	if err != nil || !start.IsAbs() {
		return nil, fmt.Errorf("start url %q must be absolute", cfg.StartURL)
	}
	if cfg.Selectors.Item == "" || cfg.Selectors.Link == "" {
		return nil, fmt.Errorf("item and link selectors are required")
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []string{"all"}
	}
	strategies := make(map[string]struct{}, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s] = struct{}{}
	}
	return &Adapter{host: cfg.Host, start: start, sel: cfg.Selectors, strategies: strategies}, nil
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

func (a *Adapter) pageURL(unit crawler.WorkUnit) (*url.URL, error) {
	if _, ok := a.strategies[unit.Strategy]; !ok {
		return nil, crawler.PermanentErrorf("unknown strategy %q for host %s", unit.Strategy, a.host)
	}
	if unit.Cursor == "" {
		return a.start, nil
	}
	u, err := url.Parse(unit.Cursor)
	if err != nil || !u.IsAbs() {
		return nil, crawler.ParseErrorf("page cursor %q is not an absolute url", unit.Cursor)
	}
	if u.Host != a.start.Host {
		return nil, crawler.PermanentErrorf("page cursor %q leaves host %s", unit.Cursor, a.start.Host)
	}
	return u, nil
}

// Request builds the request for the index page named by the cursor.
func (a *Adapter) Request(unit crawler.WorkUnit) (crawler.Request, error) {
	u, err := a.pageURL(unit)
	if err != nil {
		return crawler.Request{}, err
	}
	return crawler.Request{
		Method: http.MethodGet,
		URL:    u.String(),
		Header: http.Header{"Accept": {"text/html"}},
	}, nil
}

// Parse extracts repositories and the next index page from the HTML.
func (a *Adapter) Parse(unit crawler.WorkUnit, raw crawler.RawResponse) (crawler.Page, error) {
	base, err := a.pageURL(unit)
	if err != nil {
		return crawler.Page{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return crawler.Page{}, crawler.ParseErrorf("parse html: %v", err)
	}

	var (
		records  []crawler.RepositoryRecord
		parseErr error
	)
	doc.Find(a.sel.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		rec, err := a.record(base, item)
		if err != nil {
			parseErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if parseErr != nil {
		return crawler.Page{}, parseErr
	}

	page := crawler.Page{Records: records, Complete: true}
	if a.sel.Next != "" {
		if href, ok := doc.Find(a.sel.Next).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			next, err := base.Parse(strings.TrimSpace(href))
			if err != nil {
				return crawler.Page{}, crawler.ParseErrorf("next link %q: %v", href, err)
			}
			page.Next = next.String()
			page.Complete = false
		}
	}
	return page, nil
}

func (a *Adapter) record(base *url.URL, item *goquery.Selection) (crawler.RepositoryRecord, error) {
	link := item.Find(a.sel.Link).First()
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return crawler.RepositoryRecord{}, crawler.ParseErrorf("repository link missing")
	}
	target, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return crawler.RepositoryRecord{}, crawler.ParseErrorf("repository link %q: %v", href, err)
	}
	fullName := strings.Trim(target.Path, "/")
	owner, name := fullName, fullName
	if i := strings.LastIndex(fullName, "/"); i >= 0 {
		owner, name = fullName[:i], fullName[i+1:]
	}
	if title := strings.TrimSpace(link.Text()); name == "" && title != "" {
		name = title
	}

	nativeID := fullName
	if a.sel.IDAttr != "" {
		if id, ok := item.Attr(a.sel.IDAttr); ok && strings.TrimSpace(id) != "" {
			nativeID = strings.TrimSpace(id)
		}
	}
	if nativeID == "" {
		return crawler.RepositoryRecord{}, crawler.ParseErrorf("repository identity missing for %q", href)
	}

	rec := crawler.RepositoryRecord{
		Host:     a.host,
		NativeID: nativeID,
		URL:      target.String(),
		Owner:    owner,
		Name:     name,
		FullName: fullName,
	}
	if a.sel.Description != "" {
		rec.Description = collapse(item.Find(a.sel.Description).First().Text())
	}
	if a.sel.Language != "" {
		if lang := collapse(item.Find(a.sel.Language).First().Text()); lang != "" {
			rec.Languages = []string{lang}
		}
	}
	if a.sel.Stars != "" {
		rec.Stars = parseCount(item.Find(a.sel.Stars).First().Text())
	}
	return rec, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseCount reads counts such as "1,204" or "3.2k".
func parseCount(s string) int {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1_000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int(math.Round(v * mult))
}

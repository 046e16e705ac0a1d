package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	gh "github.com/google/go-github/v68/github"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Enrich replaces a listed record with the repository API's full view plus
// its language breakdown. When the API refuses the repository the project
// page is scraped instead. A repository that no longer exists keeps its
// listed fields.
func (a *Adapter) Enrich(ctx context.Context, client crawler.HostClient, unit crawler.WorkUnit, rec crawler.RepositoryRecord) (crawler.RepositoryRecord, error) {
	s, err := a.strategy(unit)
	if err != nil {
		return rec, err
	}
	if !s.Enrich || rec.FullName == "" {
		return rec, nil
	}

	full, err := a.fetchRepository(ctx, client, rec.FullName)
	switch {
	case err == nil:
		if full.NativeID != rec.NativeID {
			// The name now belongs to a different repository.
			return rec, nil
		}
		full.Languages = mergeLanguages(full.Languages, rec.Languages)
		languages, err := a.fetchLanguages(ctx, client, rec.FullName)
		if err == nil {
			if len(languages) > 0 {
				full.Languages = languages
			}
			return full, nil
		}
		if !absorbable(err) {
			return rec, err
		}
		return a.scrape(ctx, client, full)
	case gone(err):
		return rec, nil
	case absorbable(err):
		return a.scrape(ctx, client, rec)
	default:
		return rec, err
	}
}

func (a *Adapter) fetchRepository(ctx context.Context, client crawler.HostClient, fullName string) (crawler.RepositoryRecord, error) {
	path, err := repoPath(fullName)
	if err != nil {
		return crawler.RepositoryRecord{}, err
	}
	raw, err := client.Execute(ctx, a.apiRequest(a.baseURL+"/repos/"+path))
	if err != nil {
		return crawler.RepositoryRecord{}, err
	}
	var repo gh.Repository
	if err := json.Unmarshal(raw.Body, &repo); err != nil {
		return crawler.RepositoryRecord{}, crawler.ParseErrorf("decode repository %s: %v", fullName, err)
	}
	if repo.GetID() == 0 {
		return crawler.RepositoryRecord{}, crawler.ParseErrorf("repository %s without id", fullName)
	}
	return a.normalize(&repo), nil
}

func (a *Adapter) fetchLanguages(ctx context.Context, client crawler.HostClient, fullName string) ([]string, error) {
	path, err := repoPath(fullName)
	if err != nil {
		return nil, err
	}
	raw, err := client.Execute(ctx, a.apiRequest(a.baseURL+"/repos/"+path+"/languages"))
	if err != nil {
		return nil, err
	}
	var bytesByLanguage map[string]int64
	if err := json.Unmarshal(raw.Body, &bytesByLanguage); err != nil {
		return nil, crawler.ParseErrorf("decode languages of %s: %v", fullName, err)
	}
	languages := make([]string, 0, len(bytesByLanguage))
	for lang := range bytesByLanguage {
		languages = append(languages, lang)
	}
	return languages, nil
}

// scrape fills what the project page shows into rec. Fields the page does
// not carry keep their current values.
func (a *Adapter) scrape(ctx context.Context, client crawler.HostClient, rec crawler.RepositoryRecord) (crawler.RepositoryRecord, error) {
	path, err := repoPath(rec.FullName)
	if err != nil {
		return rec, nil
	}
	raw, err := client.Execute(ctx, crawler.Request{
		Method: http.MethodGet,
		URL:    a.webURL + "/" + path,
		Header: http.Header{"Accept": {"text/html"}},
	})
	if err != nil {
		if absorbable(err) {
			return rec, nil
		}
		return rec, err
	}
	page, err := ParseProjectPage(raw.Body)
	if err != nil {
		return rec, nil
	}
	if len(page.Languages) > 0 {
		rec.Languages = page.Languages
	}
	if page.ForkedFrom != "" {
		rec.IsFork = true
		rec.ForkedFrom = page.ForkedFrom
	}
	if rec.Description == "" {
		rec.Description = page.Description
	}
	if page.Stars >= 0 {
		rec.Stars = page.Stars
	}
	if page.Forks >= 0 {
		rec.Forks = page.Forks
	}
	return rec, nil
}

// ProjectPage is what a GitHub project page reveals about a repository.
// Counters the page lacks are -1.
type ProjectPage struct {
	Description string
	Languages   []string
	ForkedFrom  string
	Stars       int
	Forks       int
}

// ParseProjectPage extracts repository metadata from a project page.
func ParseProjectPage(body []byte) (ProjectPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ProjectPage{}, crawler.ParseErrorf("parse project page: %v", err)
	}
	out := ProjectPage{
		Description: strings.TrimSpace(doc.Find(".BorderGrid-cell p.f4").First().Text()),
		Stars:       counter(doc.Find("#repo-stars-counter-star")),
		Forks:       counter(doc.Find("#repo-network-counter")),
	}
	doc.Find("h2").Each(func(_ int, h *goquery.Selection) {
		if strings.TrimSpace(h.Text()) != "Languages" {
			return
		}
		h.Parent().Find("li span.text-bold").Each(func(_ int, lang *goquery.Selection) {
			if name := strings.TrimSpace(lang.Text()); name != "" {
				out.Languages = append(out.Languages, name)
			}
		})
	})
	doc.Find("span").FilterFunction(func(_ int, span *goquery.Selection) bool {
		return strings.HasPrefix(strings.TrimSpace(span.Text()), "forked from")
	}).Find("a").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if href, ok := link.Attr("href"); ok {
			out.ForkedFrom = strings.Trim(href, "/")
		}
		return out.ForkedFrom == ""
	})
	return out, nil
}

func counter(sel *goquery.Selection) int {
	if sel.Length() == 0 {
		return -1
	}
	text, ok := sel.First().Attr("title")
	if !ok {
		text = sel.First().Text()
	}
	n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(text), ",", ""))
	if err != nil {
		return -1
	}
	return n
}

func (a *Adapter) apiRequest(u string) crawler.Request {
	return crawler.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":               {"application/vnd.github+json"},
			"X-Github-Api-Version": {"2022-11-28"},
		},
	}
}

func repoPath(fullName string) (string, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", crawler.ParseErrorf("full name %q is not owner/name", fullName)
	}
	return url.PathEscape(owner) + "/" + url.PathEscape(name), nil
}

// absorbable reports failures that leave a record as it is rather than
// failing the unit.
func absorbable(err error) bool {
	return errors.Is(err, crawler.ErrPermanent) || errors.Is(err, crawler.ErrParse)
}

func gone(err error) bool {
	var he *crawler.HostError
	return errors.As(err, &he) && (he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusGone)
}

func mergeLanguages(primary, listed []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return listed
}

package github

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

const listingFixture = `[
  {
    "id": 17,
    "name": "grit",
    "full_name": "mojombo/grit",
    "owner": {"login": "mojombo", "type": "User"},
    "html_url": "https://github.com/mojombo/grit",
    "description": "Grit gives you object oriented read/write access to Git repositories via Ruby.",
    "fork": false
  },
  {
    "id": 26,
    "name": "merb-core",
    "full_name": "wycats/merb-core",
    "owner": {"login": "wycats", "type": "User"},
    "html_url": "https://github.com/wycats/merb-core",
    "description": "Merb Core: All you need. None you don't.",
    "fork": true
  }
]`

const searchFixture = `{
  "total_count": 250,
  "incomplete_results": false,
  "items": [
    {
      "id": 1296269,
      "name": "Hello-World",
      "full_name": "octocat/Hello-World",
      "owner": {"login": "octocat", "type": "Organization"},
      "html_url": "https://github.com/octocat/Hello-World",
      "description": "This your first repo!",
      "homepage": "https://github.com",
      "language": "Go",
      "topics": ["zeta", "alpha"],
      "stargazers_count": 80,
      "forks_count": 9,
      "fork": false,
      "created_at": "2011-01-26T19:01:12Z",
      "updated_at": "2011-01-26T19:14:43Z",
      "pushed_at": "2011-01-26T19:06:43Z"
    },
    {
      "id": 1296270,
      "name": "Spoon-Knife",
      "full_name": "octocat/Spoon-Knife",
      "owner": {"login": "octocat", "type": "Organization"},
      "html_url": "https://github.com/octocat/Spoon-Knife",
      "stargazers_count": 12
    }
  ]
}`

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		BaseURL: "https://api.example.test",
		Strategies: map[string]Strategy{
			"all":   {Kind: KindAll},
			"stars": {Kind: KindSearch, Query: "stars:>10", Sort: "stars", Order: "desc", PerPage: 2},
		},
	})
	require.NoError(t, err)
	return a
}

func TestNew_RejectsBadStrategies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Strategies: map[string]Strategy{"x": {Kind: "nope"}}})
	require.Error(t, err)
	_, err = New(Config{Strategies: map[string]Strategy{"x": {Kind: KindSearch}}})
	require.Error(t, err)

	a, err := New(Config{})
	require.NoError(t, err)
	require.Equal(t, "github", a.Host())
	require.Equal(t, []string{"all"}, a.Strategies())
}

func TestRequest_All(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	req, err := a.Request(crawler.WorkUnit{Strategy: "all"})
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test/repositories", req.URL)
	require.Equal(t, "application/vnd.github+json", req.Header.Get("Accept"))

	req, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "369"})
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test/repositories?since=369", req.URL)

	_, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "abc"})
	require.ErrorIs(t, err, crawler.ErrParse)

	_, err = a.Request(crawler.WorkUnit{Strategy: "missing"})
	require.ErrorIs(t, err, crawler.ErrPermanent)
}

func TestRequest_Search(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	req, err := a.Request(crawler.WorkUnit{Strategy: "stars", Cursor: "3"})
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	require.Equal(t, "/search/repositories", u.Path)
	require.Equal(t, "stars:>10", u.Query().Get("q"))
	require.Equal(t, "3", u.Query().Get("page"))
	require.Equal(t, "2", u.Query().Get("per_page"))
	require.Equal(t, "desc", u.Query().Get("order"))
}

func TestParse_All(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	page, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(listingFixture)})
	require.NoError(t, err)
	require.False(t, page.Complete)
	require.Equal(t, "26", page.Next)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	require.Equal(t, "github", first.Host)
	require.Equal(t, "17", first.NativeID)
	require.Equal(t, "mojombo", first.Owner)
	require.Equal(t, "user", first.OwnerType)
	require.Equal(t, "mojombo/grit", first.FullName)
	require.Equal(t, "https://github.com/mojombo/grit", first.URL)
	require.True(t, page.Records[1].IsFork)
}

func TestParse_AllEmptyPageCompletes(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	page, err := a.Parse(crawler.WorkUnit{Strategy: "all", Cursor: "999"}, crawler.RawResponse{Body: []byte(`[]`)})
	require.NoError(t, err)
	require.True(t, page.Complete)
	require.Empty(t, page.Next)
}

func TestParse_Search(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	page, err := a.Parse(crawler.WorkUnit{Strategy: "stars"}, crawler.RawResponse{Body: []byte(searchFixture)})
	require.NoError(t, err)
	require.False(t, page.Complete)
	require.Equal(t, "2", page.Next)

	rec := page.Records[0]
	require.Equal(t, "1296269", rec.NativeID)
	require.Equal(t, []string{"Go"}, rec.Languages)
	require.Equal(t, []string{"alpha", "zeta"}, rec.Topics)
	require.Equal(t, 80, rec.Stars)
	require.Equal(t, 9, rec.Forks)
	require.Equal(t, "organization", rec.OwnerType)
	require.NotNil(t, rec.CreatedAt)
	require.Equal(t, 2011, rec.CreatedAt.Year())
	require.Nil(t, page.Records[1].CreatedAt)
}

func TestParse_SearchWindowEnds(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	// 250 results at 2 per page end on page 125.
	page, err := a.Parse(crawler.WorkUnit{Strategy: "stars", Cursor: "125"}, crawler.RawResponse{Body: []byte(searchFixture)})
	require.NoError(t, err)
	require.True(t, page.Complete)

	short := `{"total_count": 5000, "items": [{"id": 1, "name": "a", "full_name": "o/a"}]}`
	page, err = a.Parse(crawler.WorkUnit{Strategy: "stars", Cursor: "7"}, crawler.RawResponse{Body: []byte(short)})
	require.NoError(t, err)
	require.True(t, page.Complete)
	require.Equal(t, "https://github.com/o/a", page.Records[0].URL)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	_, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(`{"message":"nope"}`)})
	require.ErrorIs(t, err, crawler.ErrParse)

	_, err = a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(`[{"name":"x"}]`)})
	require.ErrorIs(t, err, crawler.ErrParse)
}

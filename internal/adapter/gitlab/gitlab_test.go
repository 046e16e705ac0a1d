package gitlab

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

const projectsFixture = `[
  {
    "id": 3,
    "name": "Diaspora Client",
    "path": "diaspora-client",
    "path_with_namespace": "diaspora/diaspora-client",
    "web_url": "https://gitlab.example.com/diaspora/diaspora-client",
    "description": "Client",
    "star_count": 4,
    "forks_count": 1,
    "topics": ["ruby", "example"],
    "created_at": "2013-09-30T13:46:02Z",
    "last_activity_at": "2013-09-30T13:46:02Z",
    "namespace": {"path": "diaspora", "full_path": "diaspora", "kind": "group"}
  },
  {
    "id": 8,
    "name": "fork",
    "path": "fork",
    "path_with_namespace": "alice/fork",
    "web_url": "https://gitlab.example.com/alice/fork",
    "namespace": {"path": "alice", "full_path": "alice", "kind": "user"},
    "forked_from_project": {"path_with_namespace": "diaspora/diaspora-client"}
  }
]`

func TestRequest(t *testing.T) {
	t.Parallel()

	a, err := New(Config{BaseURL: "https://gitlab.example.com/api/v4/", PerPage: 2})
	require.NoError(t, err)

	req, err := a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "42"})
	require.NoError(t, err)
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	require.Equal(t, "/api/v4/projects", u.Path)
	require.Equal(t, "keyset", u.Query().Get("pagination"))
	require.Equal(t, "id", u.Query().Get("order_by"))
	require.Equal(t, "42", u.Query().Get("id_after"))
	require.Equal(t, "2", u.Query().Get("per_page"))

	req, err = a.Request(crawler.WorkUnit{Strategy: "all"})
	require.NoError(t, err)
	u, err = url.Parse(req.URL)
	require.NoError(t, err)
	require.False(t, u.Query().Has("id_after"))

	_, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "x"})
	require.ErrorIs(t, err, crawler.ErrParse)
	_, err = a.Request(crawler.WorkUnit{Strategy: "other"})
	require.ErrorIs(t, err, crawler.ErrPermanent)
}

func TestParse_FullPageContinues(t *testing.T) {
	t.Parallel()

	a, err := New(Config{PerPage: 2})
	require.NoError(t, err)

	page, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(projectsFixture)})
	require.NoError(t, err)
	require.False(t, page.Complete)
	require.Equal(t, "8", page.Next)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	require.Equal(t, "gitlab", first.Host)
	require.Equal(t, "3", first.NativeID)
	require.Equal(t, "diaspora", first.Owner)
	require.Equal(t, "group", first.OwnerType)
	require.Equal(t, "diaspora-client", first.Name)
	require.Equal(t, []string{"example", "ruby"}, first.Topics)
	require.NotNil(t, first.CreatedAt)

	fork := page.Records[1]
	require.True(t, fork.IsFork)
	require.Equal(t, "diaspora/diaspora-client", fork.ForkedFrom)
}

func TestParse_ShortPageCompletes(t *testing.T) {
	t.Parallel()

	a, err := New(Config{PerPage: 100})
	require.NoError(t, err)

	page, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(projectsFixture)})
	require.NoError(t, err)
	require.True(t, page.Complete)

	_, err = a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(`not json`)})
	require.ErrorIs(t, err, crawler.ErrParse)
}

package htmlindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

const indexFixture = `<!doctype html>
<html><body>
<ul class="projects">
  <li class="project" data-project-id="101">
    <a class="name" href="/alice/tools">tools</a>
    <p class="desc">  Small   tools  </p>
    <span class="lang">Go</span>
    <span class="stars">1,204</span>
  </li>
  <li class="project">
    <a class="name" href="https://code.example.org/bob/site">site</a>
    <span class="stars">3.2k</span>
  </li>
</ul>
<a class="next" href="?page=2">Next</a>
</body></html>`

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		Host:     "codeexample",
		StartURL: "https://code.example.org/explore",
		Selectors: Selectors{
			Item:        "li.project",
			Link:        "a.name",
			IDAttr:      "data-project-id",
			Description: ".desc",
			Language:    ".lang",
			Stars:       ".stars",
			Next:        "a.next",
		},
	})
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Host: "x", StartURL: "/relative", Selectors: Selectors{Item: "li", Link: "a"}})
	require.Error(t, err)
	_, err = New(Config{Host: "x", StartURL: "https://x.test", Selectors: Selectors{Item: "li"}})
	require.Error(t, err)
	_, err = New(Config{StartURL: "https://x.test", Selectors: Selectors{Item: "li", Link: "a"}})
	require.Error(t, err)
}

func TestRequest(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	req, err := a.Request(crawler.WorkUnit{Strategy: "all"})
	require.NoError(t, err)
	require.Equal(t, "https://code.example.org/explore", req.URL)

	req, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "https://code.example.org/explore?page=3"})
	require.NoError(t, err)
	require.Equal(t, "https://code.example.org/explore?page=3", req.URL)

	_, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "https://elsewhere.test/explore"})
	require.ErrorIs(t, err, crawler.ErrPermanent)
	_, err = a.Request(crawler.WorkUnit{Strategy: "all", Cursor: "relative"})
	require.ErrorIs(t, err, crawler.ErrParse)
}

func TestParse(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	page, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(indexFixture)})
	require.NoError(t, err)
	require.False(t, page.Complete)
	require.Equal(t, "https://code.example.org/explore?page=2", page.Next)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	require.Equal(t, "101", first.NativeID)
	require.Equal(t, "https://code.example.org/alice/tools", first.URL)
	require.Equal(t, "alice", first.Owner)
	require.Equal(t, "tools", first.Name)
	require.Equal(t, "alice/tools", first.FullName)
	require.Equal(t, "Small tools", first.Description)
	require.Equal(t, []string{"Go"}, first.Languages)
	require.Equal(t, 1204, first.Stars)

	second := page.Records[1]
	require.Equal(t, "bob/site", second.NativeID)
	require.Equal(t, 3200, second.Stars)
}

func TestParse_LastPage(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	body := `<ul><li class="project"><a class="name" href="/c/d">d</a></li></ul>`
	page, err := a.Parse(crawler.WorkUnit{Strategy: "all", Cursor: "https://code.example.org/explore?page=9"},
		crawler.RawResponse{Body: []byte(body)})
	require.NoError(t, err)
	require.True(t, page.Complete)
	require.Len(t, page.Records, 1)
}

func TestParse_MissingLink(t *testing.T) {
	t.Parallel()

	a := newAdapter(t)
	body := `<ul><li class="project"><span>no link</span></li></ul>`
	_, err := a.Parse(crawler.WorkUnit{Strategy: "all"}, crawler.RawResponse{Body: []byte(body)})
	require.ErrorIs(t, err, crawler.ErrParse)
}

func TestParseCount(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, parseCount(""))
	require.Equal(t, 12, parseCount(" 12 "))
	require.Equal(t, 1500, parseCount("1.5K"))
	require.Equal(t, 2_000_000, parseCount("2m"))
	require.Equal(t, 0, parseCount("many"))
}

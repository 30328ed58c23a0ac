package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixtureRow struct {
	title string
	href  string
	meta  string
}

func renderPage(rows []fixtureRow, nextHref string) string {
	var b strings.Builder
	b.WriteString("<html><body><table>\n")
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr class="bg2"><td class="tori_title"><a href="%s">%s</a></td>`, r.href, r.title)
		fmt.Fprintf(&b, `<td><small class="light"><span title="%s">i</span></small></td></tr>`+"\n", r.meta)
		b.WriteString(`<tr class="bg1"><td>description</td></tr>` + "\n")
	}
	b.WriteString("</table>\n")
	if nextHref != "" {
		fmt.Fprintf(&b, `<p><a href="/tori/haku.php?keyword=x">edellinen</a> <a href="%s">seuraava</a></p>`, nextHref)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func row(title string) fixtureRow {
	return fixtureRow{
		title: title,
		href:  "/tori/ilmoitus/" + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		meta:  "Lisätty: 03.10.2025 14:05 Muokattu: 04.10.2025 09:30",
	}
}

func TestExtractListings(t *testing.T) {
	helsinki, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	base, _ := url.Parse(DefaultSiteURL)
	now := time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)

	page := renderPage([]fixtureRow{
		{title: "Elektron Digitakt", href: "/tori/ilmoitus/123", meta: "Lisätty: 03.10.2025 14:05\nMuokattu: 04.10.2025 09:30"},
		{title: "  Moog   Grandmother ", href: "/tori/ilmoitus/124", meta: "Lisätty: 01.10.2025 08:00"},
		{title: "Korg MS-20", href: "https://example.com/abs", meta: "nothing useful"},
	}, "")

	listings := ExtractListings(strings.NewReader(page), base, now, helsinki)
	require.Len(t, listings, 3)

	first := listings[0]
	assert.Equal(t, "Elektron Digitakt", first.Title)
	assert.Equal(t, "https://muusikoiden.net/tori/ilmoitus/123", first.URL)
	assert.Equal(t, time.Date(2025, 10, 3, 14, 5, 0, 0, helsinki), first.PostedAt)
	assert.Equal(t, time.Date(2025, 10, 4, 9, 30, 0, 0, helsinki), first.UpdatedAt)
	assert.True(t, first.Edited)
	assert.Equal(t, first.UpdatedAt, first.ChangedAt())

	second := listings[1]
	assert.Equal(t, "Moog Grandmother", second.Title)
	assert.Equal(t, time.Date(2025, 10, 1, 8, 0, 0, 0, helsinki), second.PostedAt)
	assert.Equal(t, now, second.UpdatedAt, "missing updated stamp falls back to extraction time")
	assert.False(t, second.Edited)
	assert.Equal(t, second.PostedAt, second.ChangedAt(), "unedited listing changed when it was posted")

	third := listings[2]
	assert.Equal(t, "https://example.com/abs", third.URL)
	assert.Equal(t, now, third.PostedAt)
	assert.Equal(t, now, third.UpdatedAt)
	assert.False(t, third.Edited)
}

func TestExtractListingsEdgeCases(t *testing.T) {
	base, _ := url.Parse(DefaultSiteURL)
	now := time.Now()

	tests := []struct {
		name string
		html string
		want int
	}{
		{name: "no containers", html: "<html><body><p>Ei hakutuloksia</p></body></html>", want: 0},
		{name: "empty document", html: "", want: 0},
		{name: "garbage", html: "<<<>>>\x00not html", want: 0},
		{name: "container without title link", html: `<table><tr class="bg2"><td>no link</td></tr></table>`, want: 0},
		{name: "invalid date degrades", html: renderPage([]fixtureRow{{title: "x", href: "/a", meta: "Lisätty: 99.99.2025 25:61"}}, ""), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractListings(strings.NewReader(tt.html), base, now, time.UTC)
			assert.Len(t, got, tt.want)
			for _, l := range got {
				assert.Equal(t, now, l.PostedAt)
			}
		})
	}
}

func TestExtractListingsMisdecodedUmlaut(t *testing.T) {
	base, _ := url.Parse(DefaultSiteURL)
	page := renderPage([]fixtureRow{{title: "x", href: "/a", meta: "LisÃ¤tty: 03.10.2025 14:05"}}, "")

	got := ExtractListings(strings.NewReader(page), base, time.Now(), time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2025, 10, 3, 14, 5, 0, 0, time.UTC), got[0].PostedAt)
}

func TestNextPage(t *testing.T) {
	page := renderPage(nil, "/tori/haku.php?keyword=elektron&amp;offset=20&amp;checksum=abc123&amp;type=myydaan")

	next, ok := NextPage(strings.NewReader(page))
	require.True(t, ok)
	assert.Equal(t, "elektron", next.Get("keyword"))
	assert.Equal(t, "20", next.Get("offset"))
	assert.Equal(t, "myydaan", next.Get("type"))
	assert.False(t, next.Has("checksum"))

	_, ok = NextPage(strings.NewReader(renderPage(nil, "")))
	assert.False(t, ok)
}

// chainServer serves pages of a result chain keyed by the "offset" parameter.
type chainServer struct {
	mu       sync.Mutex
	requests []*http.Request
	pages    int
	failAt   int // offset that returns 500, -1 for none
	endless  bool
}

func (c *chainServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.mu.Unlock()

	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset == c.failAt {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	rows := []fixtureRow{row(fmt.Sprintf("Item %d-a", offset)), row(fmt.Sprintf("Item %d-b", offset))}
	next := ""
	if c.endless || offset < c.pages-1 {
		next = fmt.Sprintf("/tori/haku.php?keyword=%s&amp;offset=%d&amp;checksum=stale%d",
			url.QueryEscape(r.URL.Query().Get("keyword")), offset+1, offset)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, renderPage(rows, next))
}

func newTestScraper(t *testing.T, srv *httptest.Server, cfg Config) *Scraper {
	t.Helper()
	cfg.SearchURL = srv.URL + "/tori/haku.php"
	s, err := New(srv.Client(), testLogger, cfg)
	require.NoError(t, err)
	return s
}

func titles(t *testing.T, s *Scraper, text string) []string {
	t.Helper()
	listings, err := s.Search(context.Background(), text)
	require.NoError(t, err)
	out := make([]string, 0, len(listings))
	for _, l := range listings {
		out = append(out, l.Title)
	}
	return out
}

func TestSearchFollowsPagesAndReverses(t *testing.T) {
	cs := &chainServer{pages: 2, failAt: -1}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	s := newTestScraper(t, srv, Config{})
	got := titles(t, s, "elektron digitakt")

	assert.Equal(t, []string{"Item 1-b", "Item 1-a", "Item 0-b", "Item 0-a"}, got)
	require.Len(t, cs.requests, 2)

	first := cs.requests[0].URL.Query()
	assert.Equal(t, "elektron digitakt", first.Get("keyword"))
	assert.False(t, first.Has("offset"))

	second := cs.requests[1].URL.Query()
	assert.Equal(t, "1", second.Get("offset"))
	assert.False(t, second.Has("checksum"), "stale checksum must not be forwarded")
}

func TestSearchTerminatesOnLastPage(t *testing.T) {
	for _, pages := range []int{1, 3, 7} {
		t.Run(strconv.Itoa(pages), func(t *testing.T) {
			cs := &chainServer{pages: pages, failAt: -1}
			srv := httptest.NewServer(cs)
			defer srv.Close()

			s := newTestScraper(t, srv, Config{})
			got := titles(t, s, "moog")
			assert.Len(t, got, pages*2)
			assert.Len(t, cs.requests, pages)
		})
	}
}

func TestSearchStopsAtPageLimit(t *testing.T) {
	cs := &chainServer{endless: true, failAt: -1}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	s := newTestScraper(t, srv, Config{MaxPages: 3})
	got := titles(t, s, "moog")
	assert.Len(t, got, 6)
	assert.Len(t, cs.requests, 3)
}

func TestSearchFirstPageFailure(t *testing.T) {
	cs := &chainServer{pages: 3, failAt: 0}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	s := newTestScraper(t, srv, Config{})
	listings, err := s.Search(context.Background(), "moog")
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Empty(t, listings)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
}

func TestSearchLaterPageFailureKeepsPartialResults(t *testing.T) {
	cs := &chainServer{pages: 3, failAt: 1}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	s := newTestScraper(t, srv, Config{})
	got := titles(t, s, "moog")
	assert.Equal(t, []string{"Item 0-b", "Item 0-a"}, got)
	assert.Len(t, cs.requests, 2)
}

func TestSearchEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><body>Ei hakutuloksia.</body></html>")
	}))
	defer srv.Close()

	s := newTestScraper(t, srv, Config{})
	listings, err := s.Search(context.Background(), "nothing matches")
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestFetchPageTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := newTestScraper(t, srv, Config{FetchTimeout: 50 * time.Millisecond})
	_, err := s.FetchPage(context.Background(), "moog", nil)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
}

// TestSearchLive is an integration test against the real marketplace.
func TestSearchLive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	s, err := New(client, testLogger, Config{MaxPages: 2})
	require.NoError(t, err)

	listings, err := s.Search(context.Background(), "elektron")
	if err != nil {
		t.Skipf("marketplace unreachable: %v", err)
	}
	for _, l := range listings {
		assert.NotEmpty(t, l.Title)
		assert.True(t, strings.HasPrefix(l.URL, "http"), "listing URL %q should be absolute", l.URL)
	}
	t.Logf("Found %d listings", len(listings))
}

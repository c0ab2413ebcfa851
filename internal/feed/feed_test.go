package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Sample XML feed data
const (
	sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
	<title>Sample Atom Feed</title>
	<link href="http://example.com/atom"/>
	<updated>%[1]s</updated>
	<id>urn:uuid:60a76c80-d399-11d9-b93C-0003939e0af6</id>
	<entry>
		<title>Atom Entry 1</title>
		<link href="http://example.com/atom/entry1"/>
		<id>urn:uuid:1225c695-cfb8-4ebb-aaaa-80da344efa6a</id>
		<updated>%[1]s</updated>
		<author><name>Atom Author</name></author>
		<summary>Summary for Atom Entry 1.</summary>
	</entry>
</feed>`

	nonXMLContent = `This is not XML content at all. It's just plain text.`
)

type rssItem struct {
	title, link string
	published   time.Time
	author      string
}

func rssFeed(title string, items ...rssItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>%s</title>
	<link>http://example.com/</link>
	<description>Sample feed</description>`, title)
	for _, it := range items {
		b.WriteString("\n\t<item>\n")
		fmt.Fprintf(&b, "\t\t<title>%s</title>\n", it.title)
		if it.link != "" {
			fmt.Fprintf(&b, "\t\t<link>%s</link>\n", it.link)
		}
		if !it.published.IsZero() {
			fmt.Fprintf(&b, "\t\t<pubDate>%s</pubDate>\n", it.published.UTC().Format(time.RFC1123Z))
		}
		if it.author != "" {
			fmt.Fprintf(&b, "\t\t<author>%s</author>\n", it.author)
		}
		b.WriteString("\t\t<description>Body</description>\n\t</item>")
	}
	b.WriteString("\n</channel>\n</rss>")
	return b.String()
}

func newTestFetcher() *Fetcher {
	return NewFetcher(Config{AllowPrivate: true, Workers: 4, JoinTimeout: 10 * time.Second}, zerolog.Nop())
}

func serveString(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
}

func defaultOpts() Options {
	return Options{Lookback: 24 * time.Hour, MaxArticles: 10, Timeout: 5 * time.Second}
}

func TestFetchLookbackWindow(t *testing.T) {
	now := time.Now()
	server := serveString(rssFeed("Window",
		rssItem{title: "Recent", link: "http://example.com/recent", published: now.Add(-1 * time.Hour)},
		rssItem{title: "Stale", link: "http://example.com/stale", published: now.Add(-50 * time.Hour)},
	))
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "cfg name", URL: server.URL, Category: "Tech"}, defaultOpts())
	if !res.Success {
		t.Fatalf("Fetch failed: %v", res.Err)
	}
	if len(res.Articles) != 1 || res.Articles[0].Title != "Recent" {
		t.Fatalf("articles = %+v, want only Recent", res.Articles)
	}
	a := res.Articles[0]
	if a.Category != "Tech" || a.FeedName != "Window" || a.FeedURL != server.URL || a.Author != "Unknown" {
		t.Errorf("article fields = %+v", a)
	}
	if res.EntryCount != 2 || res.FeedTitle != "Window" {
		t.Errorf("EntryCount = %d, FeedTitle = %q", res.EntryCount, res.FeedTitle)
	}
}

func TestFetchOrderingAndCap(t *testing.T) {
	now := time.Now()
	var items []rssItem
	// Oldest first in the document so sorting is exercised.
	for i := 5; i >= 1; i-- {
		items = append(items, rssItem{
			title:     fmt.Sprintf("Entry %d", i),
			link:      fmt.Sprintf("http://example.com/%d", i),
			published: now.Add(-time.Duration(i) * time.Hour),
		})
	}
	items = append(items, rssItem{title: "No link", published: now})
	items = append(items, rssItem{title: "No date", link: "http://example.com/nodate"})
	server := serveString(rssFeed("Order", items...))
	defer server.Close()

	opts := defaultOpts()
	opts.MaxArticles = 3
	res := newTestFetcher().Fetch(context.Background(), Source{Name: "order", URL: server.URL}, opts)
	if !res.Success {
		t.Fatalf("Fetch failed: %v", res.Err)
	}
	want := []string{"Entry 1", "Entry 2", "Entry 3"}
	if len(res.Articles) != len(want) {
		t.Fatalf("got %d articles, want %d", len(res.Articles), len(want))
	}
	for i, w := range want {
		if res.Articles[i].Title != w {
			t.Errorf("article %d = %q, want %q", i, res.Articles[i].Title, w)
		}
	}
	if res.Articles[0].Category != "Uncategorized" {
		t.Errorf("default category = %q", res.Articles[0].Category)
	}
}

func TestFetchAtomAuthorAndTitleFallback(t *testing.T) {
	server := serveString(fmt.Sprintf(sampleAtom, time.Now().UTC().Format(time.RFC3339)))
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "atom", URL: server.URL}, defaultOpts())
	if !res.Success || len(res.Articles) != 1 {
		t.Fatalf("Fetch = %+v", res)
	}
	if res.Articles[0].Author != "Atom Author" {
		t.Errorf("Author = %q", res.Articles[0].Author)
	}
}

func TestFetchBrowserRetry(t *testing.T) {
	body := rssFeed("Picky", rssItem{title: "A", link: "http://example.com/a", published: time.Now()})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.UserAgent(), "FeedAgent") {
			http.Error(w, "go away", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "picky", URL: server.URL}, defaultOpts())
	if !res.Success {
		t.Fatalf("Fetch failed: %v", res.Err)
	}
	if res.Attempts != 2 || len(res.Articles) != 1 {
		t.Errorf("Attempts = %d, articles = %d", res.Attempts, len(res.Articles))
	}
}

func TestFetchHTTPErrorDiagnostics(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "gone", URL: server.URL}, defaultOpts())
	if res.Success {
		t.Fatal("expected failure")
	}
	msg := res.ErrorMessage()
	if !strings.Contains(msg, "HTTP 404") || !strings.Contains(msg, "404 (feed-agent), 404 (browser)") {
		t.Errorf("error = %q", msg)
	}
	if res.Attempts != 2 || res.StatusCode != 404 {
		t.Errorf("Attempts = %d, StatusCode = %d", res.Attempts, res.StatusCode)
	}
}

func TestFetchConditionalGet(t *testing.T) {
	const etag = `"abc123"`
	body := rssFeed("Cond", rssItem{title: "A", link: "http://example.com/a", published: time.Now()})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	f := newTestFetcher()
	src := Source{Name: "cond", URL: server.URL}
	first := f.Fetch(context.Background(), src, defaultOpts())
	if !first.Success || first.Validators.ETag != etag {
		t.Fatalf("first fetch = %+v", first)
	}

	opts := defaultOpts()
	opts.Validators = map[string]Validators{server.URL: first.Validators}
	second := f.Fetch(context.Background(), src, opts)
	if !second.Success || !second.NotModified || len(second.Articles) != 0 {
		t.Fatalf("second fetch = %+v", second)
	}
	if second.Validators.ETag != etag {
		t.Errorf("validators not carried over: %+v", second.Validators)
	}
}

func TestFetchNotAFeed(t *testing.T) {
	server := serveString(nonXMLContent)
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "text", URL: server.URL}, defaultOpts())
	if res.Success || !errors.Is(res.Err, ErrNotAFeed) {
		t.Fatalf("err = %v, want ErrNotAFeed", res.Err)
	}
}

func TestFetchMalformedFeedWarning(t *testing.T) {
	body := rssFeed("Broken", rssItem{title: "Bad \x01 char", link: "http://example.com/bad", published: time.Now()})
	server := serveString(body)
	defer server.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{Name: "broken", URL: server.URL}, defaultOpts())
	if !res.Success {
		t.Fatalf("Fetch failed: %v", res.Err)
	}
	if res.Warning == "" || len(res.Articles) != 1 {
		t.Errorf("Warning = %q, articles = %d", res.Warning, len(res.Articles))
	}
}

func TestFetchInvalidURL(t *testing.T) {
	res := newTestFetcher().Fetch(context.Background(), Source{Name: "bad", URL: "ftp://example.com/feed"}, defaultOpts())
	if res.Success || !errors.Is(res.Err, ErrInvalidURL) {
		t.Fatalf("err = %v, want ErrInvalidURL", res.Err)
	}
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	opts := defaultOpts()
	opts.Timeout = 50 * time.Millisecond
	start := time.Now()
	res := newTestFetcher().Fetch(context.Background(), Source{Name: "slow", URL: server.URL}, opts)
	if res.Success || !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout did not bound the call: %v", time.Since(start))
	}
}

func TestFetchRefusesPrivateByDefault(t *testing.T) {
	server := serveString(rssFeed("Local"))
	defer server.Close()

	f := NewFetcher(Config{Workers: 1}, zerolog.Nop())
	res := f.Fetch(context.Background(), Source{Name: "local", URL: server.URL}, defaultOpts())
	if res.Success || !strings.Contains(res.ErrorMessage(), "private") {
		t.Fatalf("loopback fetch = %+v, want private-address refusal", res)
	}
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	var sources []Source
	for i := 0; i < 5; i++ {
		server := serveString(rssFeed(fmt.Sprintf("Feed %d", i),
			rssItem{title: "A", link: fmt.Sprintf("http://example.com/%d/a", i), published: time.Now()}))
		defer server.Close()
		sources = append(sources, Source{Name: fmt.Sprintf("feed-%d", i), URL: server.URL})
	}
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	// Place the unreachable feed in the middle to check ordering.
	sources = append(sources[:2], append([]Source{{Name: "dead", URL: deadURL}}, sources[2:]...)...)

	results := newTestFetcher().FetchAll(context.Background(), sources, defaultOpts())
	if len(results) != 6 {
		t.Fatalf("got %d results, want 6", len(results))
	}
	ok, failed := 0, 0
	for i, r := range results {
		if r.Source.Name != sources[i].Name {
			t.Errorf("result %d is for %q, want %q", i, r.Source.Name, sources[i].Name)
		}
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok != 5 || failed != 1 || results[2].Success {
		t.Errorf("ok=%d failed=%d dead result=%+v", ok, failed, results[2])
	}
}

func TestCheckFeed(t *testing.T) {
	now := time.Now()
	server := serveString(rssFeed("Sample",
		rssItem{title: "New", link: "http://example.com/new", published: now.Add(-time.Hour)},
		rssItem{title: "Old", link: "http://example.com/old", published: now.Add(-100 * time.Hour)},
	))
	defer server.Close()

	p := newTestFetcher().Probe(context.Background(), server.URL, defaultOpts())
	if !p.OK || p.FeedTitle != "Sample" || p.EntryCount != 2 || p.RecentCount != 1 {
		t.Fatalf("result = %+v", p)
	}
	if p.SampleItemTitle != "New" || p.StatusCode != 200 {
		t.Errorf("sample = %q status = %d", p.SampleItemTitle, p.StatusCode)
	}
}

func TestCheckFeedRejectsPrivateAddress(t *testing.T) {
	f := NewFetcher(Config{Workers: 1, JoinTimeout: time.Second}, zerolog.Nop())
	p := f.Probe(context.Background(), "http://127.0.0.1:8080/feed.xml", defaultOpts())
	if p.OK || !strings.Contains(p.Error, ErrInvalidURL.Error()) {
		t.Fatalf("result = %+v, want invalid URL error", p)
	}
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>  Sample Post </title>
  <meta name="description" content="A sample">
  <meta name="author" content="Jane">
  <meta property="article:published_time" content="2024-01-02">
  <script>var tracking = 1;</script>
</head>
<body>
  <nav>Home | About</nav>
  <article>
    <h1>Heading</h1>
    <p>First paragraph.</p>
    <p>Second
       paragraph.</p>
    <img src="/img/photo.jpg">
    <img data-src="https://cdn.example.com/pic.png">
    <img src="/img/photo.jpg">
    <img src="/static/logo.png">
    <img src="/pixel.gif">
    <a href="/about">About</a>
    <a href="https://other.example.com/x">Other</a>
    <a href="/about">Again</a>
    <a href="javascript:void(0)">JS</a>
    <a href="mailto:a@b.c">Mail</a>
  </article>
  <footer>Copyright</footer>
</body>
</html>`

func newTestFetcher(retries int) *Fetcher {
	return New(config.CrawlerConfig{MaxRetries: retries}, WithBaseDelay(time.Millisecond))
}

func TestFetchExtractsDocument(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	doc, err := newTestFetcher(0).Fetch(context.Background(), srv.URL+"/post", models.FetchOptions{ExtractImages: true, ExtractLinks: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotUA != config.DefaultCrawlerUserAgent {
		t.Errorf("user agent = %q", gotUA)
	}
	if doc.Title != "Sample Post" {
		t.Errorf("title = %q", doc.Title)
	}
	want := "Heading\n\nFirst paragraph.\n\nSecond\n\nparagraph.\n\nAbout\n\nOther\n\nAgain\n\nJS\n\nMail"
	if doc.Content != want {
		t.Errorf("content = %q, want %q", doc.Content, want)
	}
	if strings.Contains(doc.Content, "Home") || strings.Contains(doc.Content, "Copyright") || strings.Contains(doc.Content, "tracking") {
		t.Errorf("noise leaked into content: %q", doc.Content)
	}

	wantImages := []string{srv.URL + "/img/photo.jpg", "https://cdn.example.com/pic.png"}
	if strings.Join(doc.Images, ",") != strings.Join(wantImages, ",") {
		t.Errorf("images = %v, want %v", doc.Images, wantImages)
	}
	wantLinks := []string{srv.URL + "/about", "https://other.example.com/x"}
	if strings.Join(doc.Links, ",") != strings.Join(wantLinks, ",") {
		t.Errorf("links = %v, want %v", doc.Links, wantLinks)
	}

	if doc.Metadata["description"] != "A sample" || doc.Metadata["author"] != "Jane" || doc.Metadata["publish_date"] != "2024-01-02" {
		t.Errorf("metadata = %v", doc.Metadata)
	}
	if doc.FetchedAt.IsZero() {
		t.Error("fetchedAt not set")
	}
}

func TestFetchHonoursOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	doc, err := newTestFetcher(0).Fetch(context.Background(), srv.URL, models.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(doc.Images) != 0 || len(doc.Links) != 0 {
		t.Fatalf("extraction not disabled: %v %v", doc.Images, doc.Links)
	}
}

func TestTitleFallbacks(t *testing.T) {
	cases := map[string]string{
		`<html><head><meta property="og:title" content="OG"></head><body></body></html>`: "OG",
		`<html><body><h1> Big </h1></body></html>`:                                       "Big",
		`<html><body><p>nothing</p></body></html>`:                                       "Untitled",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		doc, err := newTestFetcher(0).Fetch(context.Background(), srv.URL, models.FetchOptions{})
		srv.Close()
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if doc.Title != want {
			t.Errorf("title = %q, want %q", doc.Title, want)
		}
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	if _, err := newTestFetcher(3).Fetch(context.Background(), srv.URL, models.FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := newTestFetcher(3).Fetch(context.Background(), srv.URL, models.FetchOptions{}); err == nil {
		t.Fatal("expected an error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestFetcher(2).Fetch(context.Background(), srv.URL, models.FetchOptions{}); err == nil {
		t.Fatal("expected an error")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "/relative", "http://"} {
		_, err := newTestFetcher(0).Fetch(context.Background(), u, models.FetchOptions{})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("Fetch(%q): expected ErrInvalidInput, got %v", u, err)
		}
	}
}

type memCache struct {
	data map[string][]byte
}

func (m *memCache) Get(key string) ([]byte, error) { return m.data[key], nil }
func (m *memCache) Put(key string, value []byte) error {
	m.data[key] = value
	return nil
}

func TestCachedFetcher(t *testing.T) {
	var calls int
	next := stages.FetcherFunc(func(_ context.Context, url string, opts models.FetchOptions) (*models.Document, error) {
		calls++
		return &models.Document{URL: url, Title: "cached", Images: []string{}, Links: []string{}, Metadata: map[string]string{}}, nil
	})
	c := NewCached(next, &memCache{data: map[string][]byte{}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		doc, err := c.Fetch(ctx, "https://example.com", models.FetchOptions{ExtractImages: true})
		if err != nil || doc.Title != "cached" {
			t.Fatalf("Fetch: %+v, %v", doc, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}

	c.Fetch(ctx, "https://example.com", models.FetchOptions{})
	if calls != 2 {
		t.Fatalf("different options should miss the cache, got %d calls", calls)
	}
}

package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

// DefaultMaxBytes caps a downloaded body (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

const (
	defaultMaxChars   = 20_000
	defaultMaxResults = 8
	fetchConcurrency  = 4
)

// Document is a fetched page.
type Document struct {
	URL         string
	StatusCode  int
	ContentType string
	Title       string
	Text        string
	Links       []Link
	Images      []Image
}

type fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

func newFetcher(cfg Config) *fetcher {
	return &fetcher{
		client:    cfg.HTTPClient,
		maxBytes:  cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// fetch downloads rawURL and extracts its readable content. A URL without a
// scheme is fetched over https.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (*Document, error) {
	req, err := newGetRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return f.do(req)
}

// normalizeURL trims rawURL and defaults its scheme to https.
func normalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" && !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	return rawURL
}

func newGetRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	rawURL = normalizeURL(rawURL)
	if rawURL == "" {
		return nil, failure.New(failure.InvalidArgs, "url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgs, err, "invalid url %q", rawURL)
	}
	return req, nil
}

// download returns the raw body of rawURL and its content type. Bodies
// larger than maxBytes are rejected rather than cut short.
func (f *fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := newGetRequest(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", failure.New(failure.ExecutionError, "%s returned status %d", req.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", failure.New(failure.ExecutionError, "%s is larger than %d bytes", req.URL, f.maxBytes)
	}
	f.logger.Debug("downloaded url", "url", req.URL.String(), "bytes", len(body))
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *fetcher) do(req *http.Request) (*Document, error) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, failure.New(failure.ExecutionError, "%s returned status %d", req.URL, resp.StatusCode)
	}

	doc := &Document{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	switch {
	case isHTML(doc.ContentType):
		p := parsePage(string(body), resp.Request.URL)
		doc.Title, doc.Text, doc.Links, doc.Images = p.Title, p.Text, p.Links, p.Images
	case utf8.Valid(body):
		doc.Text = string(body)
	default:
		doc.Text = fmt.Sprintf("binary content (%s), %d bytes", doc.ContentType, len(body))
	}
	f.logger.Debug("fetched url", "url", doc.URL, "status", doc.StatusCode, "bytes", len(body))
	return doc, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// render formats doc for the conversation, limiting the text to maxChars.
func (d *Document) render(maxChars int, includeLinks bool) string {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", d.URL)
	if d.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", d.Title)
	}
	sb.WriteString("\n")
	text := d.Text
	if utf8.RuneCountInString(text) > maxChars {
		text = truncateUTF8(text, maxChars) + "\n[truncated]"
	}
	sb.WriteString(text)
	if includeLinks && len(d.Links) > 0 {
		sb.WriteString("\n\nLinks:")
		for _, l := range d.Links {
			if l.Text != "" {
				fmt.Fprintf(&sb, "\n- %s: %s", l.Text, l.URL)
			} else {
				fmt.Fprintf(&sb, "\n- %s", l.URL)
			}
		}
	}
	return sb.String()
}

type scrapeArgs struct {
	URL          string `json:"url"`
	IncludeLinks bool   `json:"include_links,omitempty"`
	MaxChars     int    `json:"max_chars,omitempty" jsonschema:"description=Limit on returned text (default 20000)"`
}

func scrapeURL(f *fetcher) (*capability.Capability, error) {
	return capability.Func("scrape_url", "Download a web page and return its title and readable text, optionally with its links.", CategoryWeb,
		func(ctx context.Context, a scrapeArgs) (any, error) {
			doc, err := f.fetch(ctx, a.URL)
			if err != nil {
				return nil, err
			}
			return doc.render(a.MaxChars, a.IncludeLinks), nil
		})
}

type fetchArgs struct {
	URLs     []string `json:"urls"`
	MaxChars int      `json:"max_chars,omitempty" jsonschema:"description=Limit on text per page (default 20000)"`
}

func fetchURLs(f *fetcher) (*capability.Capability, error) {
	return capability.Func("fetch_urls", "Download several web pages at once. Each page is reported separately; one failing page does not fail the others.", CategoryWeb,
		func(ctx context.Context, a fetchArgs) (any, error) {
			if len(a.URLs) == 0 {
				return nil, failure.New(failure.InvalidArgs, "urls must not be empty")
			}
			sections := fetchAll(ctx, f, a.URLs, a.MaxChars)
			return strings.Join(sections, "\n\n---\n\n"), nil
		})
}

// fetchAll fetches urls concurrently and returns one section per URL in
// input order. Errors are reported inline.
func fetchAll(ctx context.Context, f *fetcher, urls []string, maxChars int) []string {
	sections := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			doc, err := f.fetch(gctx, u)
			if err != nil {
				f.logger.Warn("fetch failed", "url", u, "error", err)
				sections[i] = fmt.Sprintf("URL: %s\nError: %v", u, err)
				return nil
			}
			sections[i] = doc.render(maxChars, false)
			return nil
		})
	}
	_ = g.Wait()
	return sections
}

// SearchResult is one hit from search_web.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type searchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Number of results (default 8)"`
}

func searchWeb(f *fetcher, endpoint string) (*capability.Capability, error) {
	return capability.Func("search_web", "Search the web and return result titles, links and snippets.", CategoryWeb,
		func(ctx context.Context, a searchArgs) (any, error) {
			query := strings.TrimSpace(a.Query)
			if query == "" {
				return nil, failure.New(failure.InvalidArgs, "query is required")
			}
			limit := a.MaxResults
			if limit <= 0 {
				limit = defaultMaxResults
			}
			results, err := search(ctx, f, endpoint, query, limit)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return fmt.Sprintf("no results for %q", query), nil
			}
			var sb strings.Builder
			for i, r := range results {
				fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
				if r.Snippet != "" {
					fmt.Fprintf(&sb, "   %s\n", r.Snippet)
				}
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		})
}

func search(ctx context.Context, f *fetcher, endpoint, query string, limit int) ([]SearchResult, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.New(failure.ExecutionError, "search returned status %d", resp.StatusCode)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	return parseSearchResults(doc, limit), nil
}

// parseSearchResults reads the DuckDuckGo HTML layout: each hit is an
// anchor with class result__a, followed by an element with class
// result__snippet.
func parseSearchResults(doc *html.Node, limit int) []SearchResult {
	var results []SearchResult
	full := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if full {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result__a"):
				if len(results) == limit {
					full = true
					return
				}
				results = append(results, SearchResult{
					Title: cleanWhitespace(textContent(n)),
					URL:   unwrapRedirect(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = cleanWhitespace(textContent(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

// unwrapRedirect extracts the target from a DuckDuckGo /l/?uddg= link.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		u.Scheme = "https"
	}
	return u.String()
}

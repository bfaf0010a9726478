package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

const (
	defaultCrawlDepth = 2
	maxCrawlDepth     = 3
	defaultCrawlPages = 20
	maxCrawlPages     = 100
)

// crawlSkipPhrases mark account, legal and support pages. Links containing
// them are not followed.
var crawlSkipPhrases = []string{
	"login", "signin", "sign-in", "signup", "sign-up", "register", "account",
	"password", "checkout", "cart", "payment", "terms", "privacy",
	"careers", "newsletter", "subscribe", "feedback",
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg"}

// followable reports whether crawl_site should visit link.
func followable(link string) bool {
	lower := strings.ToLower(link)
	for _, phrase := range crawlSkipPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	path := lower
	if u, err := url.Parse(lower); err == nil {
		path = u.Path
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	return true
}

// CrawlPage is one page visited by crawl_site.
type CrawlPage struct {
	Depth  int
	URL    string
	Title  string
	Links  int
	Images []Image
	Err    error
}

// crawl visits start and the links found on it breadth first, one depth
// level at a time. Pages within a level are fetched concurrently. At most
// maxPages pages are visited; a page that fails is reported, not fatal.
func crawl(ctx context.Context, f *fetcher, start []string, maxDepth, maxPages int, sameHost bool) ([]CrawlPage, error) {
	hosts := map[string]bool{}
	var frontier []string
	for _, s := range start {
		u := normalizeURL(s)
		if u == "" {
			continue
		}
		if parsed, err := url.Parse(u); err == nil {
			hosts[parsed.Host] = true
		}
		frontier = append(frontier, u)
	}

	visited := map[string]bool{}
	var pages []CrawlPage
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var level []string
		for _, u := range frontier {
			if visited[u] || len(pages)+len(level) >= maxPages {
				continue
			}
			visited[u] = true
			level = append(level, u)
		}

		results := make([]CrawlPage, len(level))
		docs := make([]*Document, len(level))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchConcurrency)
		for i, u := range level {
			g.Go(func() error {
				results[i] = CrawlPage{Depth: depth, URL: u}
				doc, err := f.fetch(gctx, u)
				if err != nil {
					f.logger.Debug("crawl fetch failed", "url", u, "error", err)
					results[i].Err = err
					return nil
				}
				docs[i] = doc
				results[i].Title = doc.Title
				results[i].Links = len(doc.Links)
				results[i].Images = doc.Images
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		pages = append(pages, results...)

		var next []string
		for _, doc := range docs {
			if doc == nil {
				continue
			}
			for _, l := range doc.Links {
				if visited[l.URL] || !followable(l.URL) {
					continue
				}
				if sameHost {
					if u, err := url.Parse(l.URL); err != nil || !hosts[u.Host] {
						continue
					}
				}
				next = append(next, l.URL)
			}
		}
		frontier = next
	}
	return pages, nil
}

func renderCrawl(pages []CrawlPage, includeImages bool) string {
	var sb strings.Builder
	depth := 0
	for _, p := range pages {
		if p.Depth != depth {
			depth = p.Depth
			fmt.Fprintf(&sb, "Depth %d:\n", depth)
		}
		switch {
		case p.Err != nil:
			fmt.Fprintf(&sb, "- %s (error: %v)\n", p.URL, p.Err)
		case p.Title != "":
			fmt.Fprintf(&sb, "- %s: %s (%d links)\n", p.URL, p.Title, p.Links)
		default:
			fmt.Fprintf(&sb, "- %s (%d links)\n", p.URL, p.Links)
		}
		if !includeImages {
			continue
		}
		for _, img := range p.Images {
			if img.Alt != "" {
				fmt.Fprintf(&sb, "    image: %s (%s)\n", img.URL, img.Alt)
			} else {
				fmt.Fprintf(&sb, "    image: %s\n", img.URL)
			}
		}
	}
	fmt.Fprintf(&sb, "Pages visited: %d", len(pages))
	return sb.String()
}

type crawlArgs struct {
	URLs          []string `json:"urls"`
	MaxDepth      int      `json:"max_depth,omitempty" jsonschema:"description=Link levels to visit; the start pages are level 1 (default 2, at most 3)"`
	MaxPages      int      `json:"max_pages,omitempty" jsonschema:"description=Stop after this many pages (default 20, at most 100)"`
	SameHost      bool     `json:"same_host,omitempty" jsonschema:"description=Only follow links to the start pages' hosts"`
	IncludeImages bool     `json:"include_images,omitempty" jsonschema:"description=List the images found on each page"`
}

func crawlSite(f *fetcher) (*capability.Capability, error) {
	return capability.Func("crawl_site", "Follow links breadth first from start pages and report each visited page with its title, link count and optionally its images.", CategoryWeb,
		func(ctx context.Context, a crawlArgs) (any, error) {
			if len(a.URLs) == 0 {
				return nil, failure.New(failure.InvalidArgs, "urls must not be empty")
			}
			pages, err := crawl(ctx, f, a.URLs, bounded(a.MaxDepth, defaultCrawlDepth, maxCrawlDepth), bounded(a.MaxPages, defaultCrawlPages, maxCrawlPages), a.SameHost)
			if err != nil {
				return nil, err
			}
			return renderCrawl(pages, a.IncludeImages), nil
		})
}

// bounded returns v capped at limit, or def when v is not positive.
func bounded(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	return min(v, limit)
}

type saveImageArgs struct {
	URL  string `json:"url"`
	Path string `json:"path" jsonschema:"description=Workspace path of the saved image, including the file name"`
}

func saveImageFromURL(f *fetcher, workspace string) (*capability.Capability, error) {
	return capability.Func("save_image_from_url", "Download an image and save it into the workspace, replacing any existing file.", CategoryWeb,
		func(ctx context.Context, a saveImageArgs) (any, error) {
			if strings.TrimSpace(a.Path) == "" {
				return nil, failure.New(failure.InvalidArgs, "path is required")
			}
			path, err := resolvePath(workspace, a.Path)
			if err != nil {
				return nil, err
			}
			data, contentType, err := f.download(ctx, a.URL)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
				return nil, failure.New(failure.ExecutionError, "%s is not an image (content type %q)", a.URL, contentType)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, failure.Wrap(failure.ExecutionError, err, "create directory")
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return nil, failure.Wrap(failure.ExecutionError, err, "save image")
			}
			f.logger.Info("image saved", "url", a.URL, "path", path, "bytes", len(data))
			return fmt.Sprintf("saved %s (%s, %s) to %s", a.URL, contentType, formatSize(int64(len(data))), relative(workspace, path)), nil
		})
}

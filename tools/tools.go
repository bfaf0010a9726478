// Package tools provides the built-in capabilities: workspace file access,
// script execution, web retrieval and crawling. Every path argument resolves
// inside the configured workspace directory.
package tools

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

// Capability categories.
const (
	CategoryOS  = "os"
	CategoryWeb = "web"
)

// DefaultSearchEndpoint is the DuckDuckGo HTML results page.
const DefaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// Config configures the built-in capabilities.
type Config struct {
	// Workspace is the root for every path argument. Defaults to the
	// current directory.
	Workspace string

	HTTPClient     *http.Client
	SearchEndpoint string
	UserAgent      string

	// MaxBodyBytes caps every downloaded body.
	MaxBodyBytes int64

	// ScriptTimeout bounds execute_script when the call does not set one.
	ScriptTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(c.Workspace); err == nil {
		c.Workspace = abs
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.SearchEndpoint == "" {
		c.SearchEndpoint = DefaultSearchEndpoint
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; stagehand/1.0)"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBytes
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Modules returns the os and web capability modules.
func Modules(cfg Config) []capability.Module {
	cfg = cfg.withDefaults()
	return []capability.Module{
		capability.NewModule("os", func() ([]*capability.Capability, error) {
			return build(
				func() (*capability.Capability, error) { return saveToFile(cfg) },
				func() (*capability.Capability, error) { return readFile(cfg) },
				func() (*capability.Capability, error) { return directoryStructure(cfg) },
				func() (*capability.Capability, error) { return executeScript(cfg) },
			)
		}),
		capability.NewModule("web", func() ([]*capability.Capability, error) {
			f := newFetcher(cfg)
			return build(
				func() (*capability.Capability, error) { return scrapeURL(f) },
				func() (*capability.Capability, error) { return fetchURLs(f) },
				func() (*capability.Capability, error) { return searchWeb(f, cfg.SearchEndpoint) },
				func() (*capability.Capability, error) { return crawlSite(f) },
				func() (*capability.Capability, error) { return saveImageFromURL(f, cfg.Workspace) },
			)
		}),
	}
}

func build(ctors ...func() (*capability.Capability, error)) ([]*capability.Capability, error) {
	caps := make([]*capability.Capability, 0, len(ctors))
	for _, ctor := range ctors {
		c, err := ctor()
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// resolvePath maps p onto the workspace. Absolute paths are accepted only
// when they already point inside it.
func resolvePath(workspace, p string) (string, error) {
	p = strings.TrimSpace(p)
	var resolved string
	switch {
	case p == "":
		resolved = workspace
	case filepath.IsAbs(p):
		resolved = filepath.Clean(p)
	default:
		resolved = filepath.Join(workspace, p)
	}
	rel, err := filepath.Rel(workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", failure.New(failure.InvalidArgs, "path %q is outside the workspace", p)
	}
	return resolved, nil
}

// relative renders a resolved path relative to the workspace for output.
func relative(workspace, p string) string {
	if rel, err := filepath.Rel(workspace, p); err == nil {
		return rel
	}
	return p
}

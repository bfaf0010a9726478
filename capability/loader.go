package capability

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Module is a fixed registration unit: a named group of capabilities
// compiled into the binary.
type Module interface {
	Name() string
	Capabilities() ([]*Capability, error)
}

type moduleFunc struct {
	name string
	fn   func() ([]*Capability, error)
}

func (m moduleFunc) Name() string                         { return m.name }
func (m moduleFunc) Capabilities() ([]*Capability, error) { return m.fn() }

// NewModule adapts a function into a Module.
func NewModule(name string, fn func() ([]*Capability, error)) Module {
	return moduleFunc{name: name, fn: fn}
}

// LoadOptions configures Load.
type LoadOptions struct {
	// Modules are registered first, in order.
	Modules []Module
	// SourceRoot is scanned recursively for tool_*.yaml manifests. Empty
	// disables discovery.
	SourceRoot string
	Logger     *slog.Logger
}

// LoadReport summarizes what Load did.
type LoadReport struct {
	Loaded   []string
	Skipped  map[string]error
	Replaced []string
}

// Load builds a Registry from the configured modules and discovered
// manifests. A unit that fails to load is logged and skipped; Load itself
// never fails. When two units define the same name, the later one wins.
func Load(ctx context.Context, opts LoadOptions) (*Registry, LoadReport) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	report := LoadReport{Skipped: make(map[string]error)}

	add := func(unit string, c *Capability) {
		if reg.Register(c) {
			logger.Warn("capability replaced by later definition", "name", c.Name(), "unit", unit)
			report.Replaced = append(report.Replaced, c.Name())
		}
		report.Loaded = append(report.Loaded, c.Name())
	}

	for _, m := range opts.Modules {
		caps, err := moduleCapabilities(m)
		if err != nil {
			logger.Warn("skipping capability module", "module", m.Name(), "error", err)
			report.Skipped[m.Name()] = err
			continue
		}
		for _, c := range caps {
			add(m.Name(), c)
		}
	}

	if opts.SourceRoot != "" {
		for _, path := range discoverManifests(ctx, opts.SourceRoot, logger) {
			m, err := DecodeManifestFile(path)
			if err == nil {
				var c *Capability
				if c, err = FromManifest(m, filepath.Dir(path)); err == nil {
					add(path, c)
					continue
				}
			}
			logger.Warn("skipping capability manifest", "path", path, "error", err)
			report.Skipped[path] = err
		}
	}

	logger.Info("capability registry loaded",
		"capabilities", reg.Count(),
		"skipped", len(report.Skipped),
		"replaced", len(report.Replaced),
	)
	return reg, report
}

// moduleCapabilities calls m.Capabilities, turning a panic into an error.
func moduleCapabilities(m Module) (caps []*Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Capabilities()
}

// discoverManifests returns manifest paths under root in lexical order so
// that collision resolution is deterministic.
func discoverManifests(ctx context.Context, root string, logger *slog.Logger) []string {
	info, err := os.Stat(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot scan capability source root", "root", root, "error", err)
		}
		return nil
	}
	if !info.IsDir() {
		if IsManifestFilename(filepath.Base(root)) {
			return []string{root}
		}
		return nil
	}

	var paths []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsManifestFilename(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	sort.Strings(paths)
	return paths
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
)

const defaultReadBytes = 100_000

type saveArgs struct {
	Contents  []string `json:"contents" jsonschema:"description=One entry per file to write"`
	FileNames []string `json:"file_names,omitempty" jsonschema:"description=Names matching contents; defaults to content_<i>.txt"`
	Directory string   `json:"directory,omitempty" jsonschema:"description=Target directory inside the workspace"`
	Overwrite bool     `json:"overwrite,omitempty"`
	Append    bool     `json:"append,omitempty"`
}

// SaveReport lists which files a save_to_file call wrote.
type SaveReport struct {
	Status string       `json:"status"`
	Saved  []string     `json:"saved_files"`
	Failed []FailedSave `json:"failed_files,omitempty"`
}

// FailedSave is one file save_to_file could not write.
type FailedSave struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func (r SaveReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: saved %d of %d files", r.Status, len(r.Saved), len(r.Saved)+len(r.Failed))
	for _, p := range r.Saved {
		fmt.Fprintf(&sb, "\n  saved %s", p)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&sb, "\n  failed %s: %s", f.Path, f.Error)
	}
	return sb.String()
}

func saveToFile(cfg Config) (*capability.Capability, error) {
	return capability.Func("save_to_file",
		"Write one or more text files into the workspace. Existing files are kept unless overwrite or append is set.",
		CategoryOS,
		func(ctx context.Context, a saveArgs) (any, error) {
			if len(a.Contents) == 0 {
				return nil, failure.New(failure.InvalidArgs, "contents must not be empty")
			}
			names := a.FileNames
			if len(names) == 0 {
				names = make([]string, len(a.Contents))
				for i := range names {
					names[i] = fmt.Sprintf("content_%d.txt", i)
				}
			}
			if len(names) != len(a.Contents) {
				return nil, failure.New(failure.InvalidArgs, "got %d file names for %d contents", len(names), len(a.Contents))
			}
			dir, err := resolvePath(cfg.Workspace, a.Directory)
			if err != nil {
				return nil, err
			}

			report := SaveReport{Saved: []string{}}
			for i, content := range a.Contents {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				path, err := resolvePath(cfg.Workspace, filepath.Join(relative(cfg.Workspace, dir), names[i]))
				if err == nil {
					err = writeFile(path, content, a.Overwrite, a.Append)
				}
				if err != nil {
					cfg.Logger.Warn("save_to_file failed", "file", names[i], "error", err)
					report.Failed = append(report.Failed, FailedSave{Path: names[i], Error: err.Error()})
					continue
				}
				report.Saved = append(report.Saved, relative(cfg.Workspace, path))
			}

			switch {
			case len(report.Failed) == 0:
				report.Status = "success"
			case len(report.Saved) > 0:
				report.Status = "partial_success"
			default:
				report.Status = "failure"
				return nil, failure.New(failure.ExecutionError, "no files were saved: %s", report.Failed[0].Error)
			}
			return report, nil
		})
}

func writeFile(path, content string, overwrite, appendMode bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case appendMode:
		flags |= os.O_APPEND
	case overwrite:
		flags |= os.O_TRUNC
	default:
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("file already exists")
		}
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type readArgs struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Read at most this many bytes (default 100000)"`
}

func readFile(cfg Config) (*capability.Capability, error) {
	return capability.Func("read_file", "Read a text file from the workspace.", CategoryOS,
		func(ctx context.Context, a readArgs) (any, error) {
			path, err := resolvePath(cfg.Workspace, a.Path)
			if err != nil {
				return nil, err
			}
			limit := a.MaxBytes
			if limit <= 0 {
				limit = defaultReadBytes
			}

			f, err := os.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, failure.New(failure.InvalidArgs, "file %q does not exist", a.Path)
				}
				return nil, fmt.Errorf("read_file: %w", err)
			}
			defer f.Close()
			if info, err := f.Stat(); err == nil && info.IsDir() {
				return nil, failure.New(failure.InvalidArgs, "%q is a directory", a.Path)
			}

			data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
			if err != nil {
				return nil, fmt.Errorf("read_file: %w", err)
			}
			truncated := len(data) > limit
			if truncated {
				data = data[:limit]
			}
			if !utf8.Valid(data) && !truncated {
				return fmt.Sprintf("binary file, %d bytes", len(data)), nil
			}
			text := string(data)
			if truncated {
				text = strings.ToValidUTF8(text, "") + fmt.Sprintf("\n[truncated at %d bytes]", limit)
			}
			return text, nil
		})
}

type structureArgs struct {
	Path     string `json:"path,omitempty" jsonschema:"description=Directory inside the workspace; defaults to the workspace root"`
	MaxDepth int    `json:"max_depth,omitempty" jsonschema:"description=Levels below path to list (default 2)"`
}

func directoryStructure(cfg Config) (*capability.Capability, error) {
	return capability.Func("directory_structure",
		"Summarize a directory: counts, total size, file types and a tree view. Hidden entries are skipped.",
		CategoryOS,
		func(ctx context.Context, a structureArgs) (any, error) {
			root, err := resolvePath(cfg.Workspace, a.Path)
			if err != nil {
				return nil, err
			}
			depth := a.MaxDepth
			if depth <= 0 {
				depth = 2
			}
			info, err := os.Stat(root)
			if err != nil {
				return nil, failure.Wrap(failure.InvalidArgs, err, "cannot open %q", a.Path)
			}
			if !info.IsDir() {
				return nil, failure.New(failure.InvalidArgs, "%q is not a directory", a.Path)
			}
			return describeTree(ctx, root, relative(cfg.Workspace, root), depth)
		})
}

type treeStats struct {
	dirs, files int
	size        int64
	types       map[string]int
}

func describeTree(ctx context.Context, root, label string, depth int) (string, error) {
	stats := treeStats{types: map[string]int{}}
	var tree strings.Builder
	if err := walkTree(ctx, root, "", 0, depth, &tree, &stats); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory: %s\n", label)
	fmt.Fprintf(&sb, "Folders: %d, Files: %d, Size: %s\n", stats.dirs, stats.files, formatSize(stats.size))
	if len(stats.types) > 0 {
		exts := make([]string, 0, len(stats.types))
		for ext := range stats.types {
			exts = append(exts, ext)
		}
		sort.Slice(exts, func(i, j int) bool {
			if stats.types[exts[i]] != stats.types[exts[j]] {
				return stats.types[exts[i]] > stats.types[exts[j]]
			}
			return exts[i] < exts[j]
		})
		sb.WriteString("Types:")
		for _, ext := range exts {
			fmt.Fprintf(&sb, " %s=%d", ext, stats.types[ext])
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(tree.String())
	return strings.TrimRight(sb.String(), "\n"), nil
}

func walkTree(ctx context.Context, dir, indent string, level, maxDepth int, w *strings.Builder, stats *treeStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(w, "%s! %v\n", indent, err)
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == "__pycache__" {
			continue
		}
		if e.IsDir() {
			stats.dirs++
			fmt.Fprintf(w, "%s%s/\n", indent, name)
			if level+1 < maxDepth {
				if err := walkTree(ctx, filepath.Join(dir, name), indent+"  ", level+1, maxDepth, w, stats); err != nil {
					return err
				}
			}
			continue
		}
		stats.files++
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		stats.size += size
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			ext = "none"
		}
		stats.types[ext]++
		fmt.Fprintf(w, "%s%s (%s)\n", indent, name, formatSize(size))
	}
	return nil
}

func formatSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}

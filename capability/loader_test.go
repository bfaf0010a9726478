package capability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/stagehand/failure"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadSkipsFailingModules(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	good := NewModule("good", func() ([]*Capability, error) {
		return []*Capability{mustDefine(t, "ok", "misc", "")}, nil
	})
	broken := NewModule("broken", func() ([]*Capability, error) {
		return nil, errors.New("import failed")
	})
	panicky := NewModule("panicky", func() ([]*Capability, error) {
		panic("bad init")
	})

	reg, report := Load(context.Background(), LoadOptions{
		Modules: []Module{broken, good, panicky},
		Logger:  logger,
	})

	assert.Equal(t, []string{"ok"}, reg.Names())
	assert.Contains(t, report.Skipped, "broken")
	assert.Contains(t, report.Skipped, "panicky")
	assert.Contains(t, logs.String(), "skipping capability module")
}

func TestLoadDiscoversManifests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "text", "tool_upper.yaml"), `
name: upper
description: Upper-case the input.
category: text
command: ["sh", "-c", "tr a-z A-Z"]
timeout: 5s
parameters:
  - name: text
    type: string
    required: true
`)
	writeFile(t, filepath.Join(root, "misc", "tool_blank.yml"), `
command: ["sh", "-c", "cat"]
parameters:
  - name: anything
`)
	writeFile(t, filepath.Join(root, "tool_broken.yaml"), "name: [unclosed")
	writeFile(t, filepath.Join(root, "tool_nocmd.yaml"), "name: nocmd\n")
	writeFile(t, filepath.Join(root, "notes.yaml"), "name: ignored\ncommand: [true]\n")

	reg, report := Load(context.Background(), LoadOptions{SourceRoot: root})

	assert.Equal(t, []string{"blank", "upper"}, reg.Names())
	assert.Len(t, report.Skipped, 2)

	upper, ok := reg.Get("upper")
	require.True(t, ok)
	assert.Equal(t, "text", upper.Descriptor.Category)
	assert.Equal(t, "upper(text: string)", upper.Descriptor.Signature())

	blank, ok := reg.Get("blank")
	require.True(t, ok)
	assert.Equal(t, DefaultCategory, blank.Descriptor.Category)
	assert.Equal(t, "Capability blank", blank.Descriptor.Description)
	typ, _ := blank.Descriptor.Parameters.Get("anything")
	assert.Equal(t, TypeAny, typ)

	d := NewDispatcher(reg)
	res := d.Execute(context.Background(), Request{Name: "upper", Arguments: []byte(`{"text":"hi"}`)})
	require.True(t, res.OK(), res.Output())
	assert.Equal(t, `{"TEXT":"HI"}`, res.Value)
}

func TestLoadManifestCollisionLaterWins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "tool_same.yaml"), "name: same\ndescription: first\ncommand: [\"true\"]\n")
	writeFile(t, filepath.Join(root, "b", "tool_same.yaml"), "name: same\ndescription: second\ncommand: [\"true\"]\n")

	module := NewModule("builtin", func() ([]*Capability, error) {
		return []*Capability{mustDefine(t, "same", "misc", "module")}, nil
	})
	reg, report := Load(context.Background(), LoadOptions{Modules: []Module{module}, SourceRoot: root})

	c, ok := reg.Get("same")
	require.True(t, ok)
	assert.Equal(t, "second", c.Descriptor.Description)
	assert.Len(t, report.Replaced, 2)
}

func TestLoadMissingSourceRoot(t *testing.T) {
	reg, report := Load(context.Background(), LoadOptions{SourceRoot: filepath.Join(t.TempDir(), "absent")})
	assert.Zero(t, reg.Count())
	assert.Empty(t, report.Skipped)
}

func TestManifestCommandFailure(t *testing.T) {
	c, err := FromManifest(&Manifest{Name: "fail", Command: []string{"sh", "-c", "echo nope >&2; exit 3"}}, t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register(c)

	res := NewDispatcher(reg).Execute(context.Background(), Request{Name: "fail"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ExecutionError, res.Failure.Kind)
	assert.Contains(t, res.Output(), "nope")
}

func TestIsManifestFilename(t *testing.T) {
	assert.True(t, IsManifestFilename("tool_x.yaml"))
	assert.True(t, IsManifestFilename("tool_x.YML"))
	assert.False(t, IsManifestFilename("x.yaml"))
	assert.False(t, IsManifestFilename("tool_x.json"))
}

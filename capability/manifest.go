package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/stagehand/failure"
)

// Manifest describes a capability implemented by an external command.
// Manifests live in files named tool_<anything>.yaml under the source root.
type Manifest struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Category    string        `yaml:"category"`
	Command     []string      `yaml:"command"`
	Timeout     time.Duration `yaml:"timeout"`
	Parameters  []Param       `yaml:"parameters"`
}

// IsManifestFilename reports whether name follows the tool_*.yaml naming
// convention.
func IsManifestFilename(name string) bool {
	if !strings.HasPrefix(name, "tool_") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// DecodeManifestFile reads and decodes a manifest.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		m.Name = nameFromFilename(path)
	}
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("manifest %s: command is required", m.Name)
	}
	return &m, nil
}

// nameFromFilename derives a capability name from tool_<name>.yaml.
func nameFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, "tool_")
}

// FromManifest builds a capability that runs the manifest's command in dir.
// Arguments are written to stdin as a JSON object and stdout is the result.
func FromManifest(m *Manifest, dir string) (*Capability, error) {
	command := append([]string{}, m.Command...)
	handler := func(ctx context.Context, args map[string]any) (any, error) {
		return runCommand(ctx, dir, command, args)
	}
	return Define(Spec{
		Name:        m.Name,
		Description: m.Description,
		Category:    m.Category,
		Params:      m.Parameters,
		Timeout:     m.Timeout,
	}, handler)
}

func runCommand(ctx context.Context, dir string, command []string, args map[string]any) (string, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", failure.Wrap(failure.ExecutionError, err, "start %s", command[0])
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return "", failure.Wrap(failure.ExecutionError, err, "%s failed: %s", command[0], msg)
		}
		return strings.TrimRight(stdout.String(), "\n"), nil
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return "", ctx.Err()
	}
}

package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// FsBridge performs file reads/writes inside a running container via
// `docker exec`, for tools that need filesystem access scoped to a
// sandbox rather than a Sandbox's Exec (shell) contract.
type FsBridge struct {
	containerKey string
	containerRoot string
}

// NewFsBridge builds a bridge to the container identified by
// containerKey (the same key returned by Sandbox.ID), rooted at root
// (typically "/workspace").
func NewFsBridge(containerKey, root string) *FsBridge {
	return &FsBridge{containerKey: containerKey, containerRoot: root}
}

func (b *FsBridge) containerName() string {
	return "goclaw-sbx-" + sanitizeContainerName(b.containerKey)
}

// ReadFile reads path (relative to the bridge root) from the container.
func (b *FsBridge) ReadFile(ctx context.Context, path string) (string, error) {
	full := filepath.Join(b.containerRoot, path)
	out, err := exec.CommandContext(ctx, "docker", "exec", b.containerName(), "cat", full).Output()
	if err != nil {
		return "", fmt.Errorf("sandbox read %s: %w", path, err)
	}
	return string(out), nil
}

// WriteFile writes content to path (relative to the bridge root) inside
// the container, creating parent directories as needed.
func (b *FsBridge) WriteFile(ctx context.Context, path, content string) error {
	full := filepath.Join(b.containerRoot, path)
	mkdir := exec.CommandContext(ctx, "docker", "exec", b.containerName(), "mkdir", "-p", filepath.Dir(full))
	if err := mkdir.Run(); err != nil {
		return fmt.Errorf("sandbox mkdir %s: %w", filepath.Dir(path), err)
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", b.containerName(), "tee", full)
	cmd.Stdin = strings.NewReader(content)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox write %s: %w", path, err)
	}
	return nil
}

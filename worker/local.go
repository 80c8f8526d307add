package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

var errNoMediaRoot = errors.New("local source has no media root")

// LocalSource serves file:// references already on disk under root. Without a
// root it accepts nothing.
type LocalSource struct {
	root string
}

// NewLocalSource creates a local source confined to root.
func NewLocalSource(root string) *LocalSource {
	return &LocalSource{root: root}
}

func (l *LocalSource) Name() string { return "local" }

func (l *LocalSource) Accepts(sourceRef string) bool {
	return l.root != "" && strings.HasPrefix(sourceRef, fileScheme)
}

func (l *LocalSource) Download(ctx context.Context, sourceRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	u, err := url.Parse(sourceRef)
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	if l.root == "" {
		return "", errNoMediaRoot
	}
	path := filepath.Clean(u.Path)
	if !within(l.root, path) {
		return "", fmt.Errorf("path %s is outside %s", path, l.root)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("source %s is not a regular file", path)
	}
	return path, nil
}

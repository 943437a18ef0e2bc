// Package local provides a filesystem-backed remote channel. It is used for
// single-host deployments and development.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pentaract/pentaract/internal/transport"
)

// Config holds local channel settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Transport implements transport.Transport on a local directory.
type Transport struct {
	rootPath   string
	createDirs bool
}

// New creates a new local channel transport.
func New(cfg Config) (*Transport, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Transport{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates a Transport from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (t *Transport) fullPath(ref string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(ref))
	if clean == string(filepath.Separator) || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid object reference %q", ref)
	}
	return filepath.Join(t.rootPath, clean), nil
}

// Upload writes the payload atomically (temp file + rename) and returns the
// key as the reference.
func (t *Transport) Upload(ctx context.Context, key string, data []byte) (string, error) {
	path, err := t.fullPath(key)
	if err != nil {
		return "", transport.NewPermanent("upload", err)
	}
	if err := ctx.Err(); err != nil {
		return "", transport.Classify("upload", err)
	}
	dir := filepath.Dir(path)

	if t.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", classify("upload", fmt.Errorf("create dirs for %s: %w", key, err))
		}
	}

	tmp, err := os.CreateTemp(dir, ".pentaract-*.tmp")
	if err != nil {
		return "", classify("upload", fmt.Errorf("create temp for %s: %w", key, err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", classify("upload", fmt.Errorf("write %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", classify("upload", fmt.Errorf("close temp for %s: %w", key, err))
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", classify("upload", fmt.Errorf("rename temp to %s: %w", key, err))
	}

	return key, nil
}

// Download reads the payload behind ref.
func (t *Transport) Download(ctx context.Context, ref string) ([]byte, error) {
	path, err := t.fullPath(ref)
	if err != nil {
		return nil, transport.NewPermanent("download", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.Classify("download", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify("download", fmt.Errorf("read %s: %w", ref, err))
	}
	return data, nil
}

// Delete removes the payload behind ref.
func (t *Transport) Delete(_ context.Context, ref string) error {
	path, err := t.fullPath(ref)
	if err != nil {
		return transport.NewPermanent("delete", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return classify("delete", fmt.Errorf("delete %s: %w", ref, err))
	}
	return nil
}

// Kind returns "local".
func (t *Transport) Kind() string { return "local" }

// Close is a no-op for local channels.
func (t *Transport) Close() error { return nil }

func classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
	case errors.Is(err, fs.ErrPermission):
		return transport.NewPermanent(op, err)
	default:
		return transport.Classify(op, err)
	}
}

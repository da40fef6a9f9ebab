// Package filestore serves schema documents from a directory tree:
//
//	<root>/<name>/<version>/schema.json
//	<root>/<name>/<version>/schema.yaml
//
// Namespaced names ("acme/widgets") map to nested directories.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/git-pkgs/schemaloader/internal/core"
)

const kind = "file"

// schemaFiles are tried in order for each version directory.
var schemaFiles = []struct {
	name   string
	format string
}{
	{"schema.json", "json"},
	{"schema.yaml", "yaml"},
	{"schema.yml", "yaml"},
}

func init() {
	core.Register(kind, func(location string) (core.Store, error) {
		if location == "" {
			return nil, fmt.Errorf("file store needs a root directory")
		}
		return New(afero.NewOsFs(), location), nil
	})
}

// Store reads schemas from a directory tree on an afero filesystem.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store rooted at root on fs.
func New(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: filepath.Clean(root)}
}

func (s *Store) Kind() string {
	return kind
}

func (s *Store) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !core.ValidName(name) {
		return nil, &core.NotFoundError{Name: name}
	}

	infos, err := afero.ReadDir(s.fs, filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &core.NotFoundError{Name: name}
		}
		return nil, &core.UnavailableError{Store: kind, Err: err}
	}

	var versions []string
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if _, _, ok := s.schemaPath(name, info.Name()); ok {
			versions = append(versions, info.Name())
		}
	}
	if len(versions) == 0 {
		return nil, &core.NotFoundError{Name: name}
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *Store) FetchDocument(ctx context.Context, name, version string) (*core.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !core.ValidName(name) || !validVersionDir(version) {
		return nil, &core.NotFoundError{Name: name, Version: version}
	}

	path, format, ok := s.schemaPath(name, version)
	if !ok {
		return nil, &core.NotFoundError{Name: name, Version: version}
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &core.NotFoundError{Name: name, Version: version}
		}
		return nil, &core.UnavailableError{Store: kind, Err: err}
	}
	return &core.RawDocument{Data: data, Format: format, Source: path}, nil
}

// schemaPath returns the first schema file present for name@version.
func (s *Store) schemaPath(name, version string) (string, string, bool) {
	dir := filepath.Join(s.root, filepath.FromSlash(name), version)
	for _, f := range schemaFiles {
		path := filepath.Join(dir, f.name)
		if info, err := s.fs.Stat(path); err == nil && !info.IsDir() {
			return path, f.format, true
		}
	}
	return "", "", false
}

// validVersionDir rejects versions that would escape the package directory.
func validVersionDir(version string) bool {
	return version != "" && version != "." && version != ".." && !strings.ContainsAny(version, `/\`)
}

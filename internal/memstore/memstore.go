// Package memstore provides an in-process schema store.
//
// Documents are added with Put or loaded from a YAML seed file:
//
//	packages:
//	  acme/widgets:
//	    "0.9.0":
//	      name: acme/widgets
//	      types: {}
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/git-pkgs/schemaloader/internal/core"
)

const kind = "memory"

func init() {
	core.Register(kind, func(location string) (core.Store, error) {
		s := New()
		if location == "" {
			return s, nil
		}
		if err := s.LoadFile(afero.NewOsFs(), location); err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Store keeps schema documents in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	packages map[string]map[string]*core.RawDocument
}

// New creates an empty store.
func New() *Store {
	return &Store{packages: make(map[string]map[string]*core.RawDocument)}
}

func (s *Store) Kind() string {
	return kind
}

// Put adds or replaces the document for name@version. An empty format is
// sniffed from the content when the document is parsed.
func (s *Store) Put(name, version string, data []byte, format string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.packages[name]
	if !ok {
		versions = make(map[string]*core.RawDocument)
		s.packages[name] = versions
	}
	versions[version] = &core.RawDocument{
		Data:   append([]byte(nil), data...),
		Format: format,
		Source: fmt.Sprintf("memory:%s@%s", name, version),
	}
}

// Delete removes name@version. It reports whether the version existed.
func (s *Store) Delete(name, version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.packages[name]
	if !ok {
		return false
	}
	if _, ok := versions[version]; !ok {
		return false
	}
	delete(versions, version)
	if len(versions) == 0 {
		delete(s.packages, name)
	}
	return true
}

type seedFile struct {
	Packages map[string]map[string]yaml.Node `yaml:"packages"`
}

// LoadFile adds every document in a YAML seed file.
func (s *Store) LoadFile(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	for name, versions := range seed.Packages {
		for version, node := range versions {
			doc, err := yaml.Marshal(&node)
			if err != nil {
				return fmt.Errorf("encoding %s@%s from seed file: %w", name, version, err)
			}
			s.Put(name, version, doc, "yaml")
		}
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.packages[name]
	if !ok {
		return nil, &core.NotFoundError{Name: name}
	}
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) FetchDocument(ctx context.Context, name, version string) (*core.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.packages[name][version]
	if !ok {
		return nil, &core.NotFoundError{Name: name, Version: version}
	}
	return &core.RawDocument{Data: doc.Data, Format: doc.Format, Source: doc.Source}, nil
}

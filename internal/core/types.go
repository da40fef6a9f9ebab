// Package core provides shared types, errors and the store registry.
package core

import "fmt"

// PackageRef identifies a requested package. Constraint is empty for "latest".
type PackageRef struct {
	Name       string
	Constraint string
}

func (r PackageRef) String() string {
	if r.Constraint == "" {
		return r.Name
	}
	return r.Name + "@" + r.Constraint
}

// ResolvedVersion is the concrete version picked for a PackageRef.
type ResolvedVersion struct {
	Name    string
	Version string
}

func (v ResolvedVersion) String() string {
	return fmt.Sprintf("%s@%s", v.Name, v.Version)
}

// Key is the cache key for a resolved package version.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string {
	return k.Name + "@" + k.Version
}

// SchemaDocument is a parsed package schema. Once built it is never mutated
// and may be shared by any number of readers.
type SchemaDocument struct {
	Name    string
	Version string

	// Tree is the structured content of the document.
	Tree *Tree

	// Canonical is the document re-encoded as compact JSON with sorted keys.
	Canonical []byte

	// SizeBytes is the accounted size of the document in the cache budget.
	SizeBytes int64

	// Digest is the hex xxhash64 of Canonical.
	Digest string
}

// Key returns the cache key of the document.
func (d *SchemaDocument) Key() Key {
	return Key{Name: d.Name, Version: d.Version}
}

// RawDocument is the payload a store returns for a single schema.
type RawDocument struct {
	Data []byte

	// Format is "json", "yaml" or empty to sniff from the content.
	Format string

	// Source describes where the document came from (for logging).
	Source string
}

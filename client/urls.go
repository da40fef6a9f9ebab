// Package client builds the URLs of a remote schema registry.
package client

import (
	"fmt"
	"net/url"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// DefaultPURLType is the package URL type used for schema packages.
const DefaultPURLType = "schema"

// URLBuilder constructs URLs for a schema registry.
type URLBuilder interface {
	Versions(name string) string
	Schema(name, version string) string
	PURL(name, version string) string
}

// BaseURLs provides a URLBuilder made of optional functions.
type BaseURLs struct {
	VersionsFn func(name string) string
	SchemaFn   func(name, version string) string
	PURLFn     func(name, version string) string
}

func (b *BaseURLs) Versions(name string) string {
	if b.VersionsFn != nil {
		return b.VersionsFn(name)
	}
	return ""
}

func (b *BaseURLs) Schema(name, version string) string {
	if b.SchemaFn != nil {
		return b.SchemaFn(name, version)
	}
	return ""
}

func (b *BaseURLs) PURL(name, version string) string {
	if b.PURLFn != nil {
		return b.PURLFn(name, version)
	}
	return PURL(DefaultPURLType, name, version)
}

// RegistryURLs returns the URLBuilder for a registry rooted at base:
//
//	{base}/{name}/versions
//	{base}/{name}/{version}/schema
func RegistryURLs(base string) *BaseURLs {
	base = strings.TrimRight(base, "/")
	return &BaseURLs{
		VersionsFn: func(name string) string {
			return fmt.Sprintf("%s/%s/versions", base, escapeName(name))
		},
		SchemaFn: func(name, version string) string {
			return fmt.Sprintf("%s/%s/%s/schema", base, escapeName(name), url.PathEscape(version))
		},
	}
}

// escapeName escapes each slash-separated segment of a package name.
func escapeName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// PURL formats a package URL. A slash-namespaced name keeps its namespace.
func PURL(purlType, name, version string) string {
	namespace := ""
	if i := strings.LastIndex(name, "/"); i >= 0 {
		namespace, name = name[:i], name[i+1:]
	}
	return packageurl.NewPackageURL(purlType, namespace, name, version, nil, "").ToString()
}

// BuildURLs returns a map of all non-empty URLs for a package.
// Keys are "versions", "schema" and "purl".
func BuildURLs(urls URLBuilder, name, version string) map[string]string {
	result := make(map[string]string)
	if v := urls.Versions(name); v != "" {
		result["versions"] = v
	}
	if v := urls.Schema(name, version); v != "" {
		result["schema"] = v
	}
	if v := urls.PURL(name, version); v != "" {
		result["purl"] = v
	}
	return result
}

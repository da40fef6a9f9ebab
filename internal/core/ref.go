package core

import (
	"fmt"
	"regexp"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// MaxNameLength bounds package names.
const MaxNameLength = 214

// namePattern matches slash-separated alphanumeric segments.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?(?:/[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

// ValidName reports whether name is a well-formed package name: alphanumeric
// segments with inner hyphens, optionally slash-namespaced ("acme/widgets").
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && namePattern.MatchString(name)
}

// ParseRef parses "name", "name@constraint" or a package URL such as
// "pkg:schema/acme/widgets@1.2.0" into a PackageRef. It does not validate
// the name or the constraint.
func ParseRef(s string) (PackageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PackageRef{}, fmt.Errorf("%w: empty package reference", ErrInvalidArgument)
	}

	if strings.HasPrefix(s, "pkg:") {
		p, err := packageurl.FromString(s)
		if err != nil {
			return PackageRef{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return PackageRef{Name: fullName(p), Constraint: p.Version}, nil
	}

	name, constraint, _ := strings.Cut(s, "@")
	return PackageRef{Name: name, Constraint: constraint}, nil
}

// fullName joins the namespace and name of a package URL.
func fullName(p packageurl.PackageURL) string {
	if p.Namespace == "" {
		return p.Name
	}
	return p.Namespace + "/" + p.Name
}

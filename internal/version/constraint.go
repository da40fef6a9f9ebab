// Package version resolves version constraints against the versions a store
// advertises for a package.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/git-pkgs/schemaloader/internal/core"
)

// Latest is the constraint keyword for "highest available version".
const Latest = "latest"

type constraintKind int

const (
	kindLatest constraintKind = iota
	kindExact
	kindRange
)

// Constraint is a parsed version constraint.
type Constraint struct {
	raw  string
	kind constraintKind
	rng  semver.Range

	// pre holds comparator versions that carry a pre-release tag. A
	// pre-release candidate only satisfies a range when one of these shares
	// its major.minor.patch.
	pre []semver.Version
}

// ParseConstraint parses an exact version, a range expression, "latest" or
// the empty string. Errors wrap core.ErrInvalidArgument.
func ParseConstraint(s string) (Constraint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || strings.EqualFold(raw, Latest) {
		return Constraint{raw: raw, kind: kindLatest}, nil
	}

	if _, err := parseVersion(raw); err == nil {
		return Constraint{raw: raw, kind: kindExact}, nil
	}

	rng, pre, err := compileRange(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("%w: version constraint %q: %v", core.ErrInvalidArgument, raw, err)
	}

	return Constraint{raw: raw, kind: kindRange, rng: rng, pre: pre}, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Constraint) String() string {
	if c.kind == kindLatest {
		return Latest
	}
	return c.raw
}

// IsLatest reports whether the constraint selects the highest version.
func (c Constraint) IsLatest() bool {
	return c.kind == kindLatest
}

// IsExact reports whether the constraint names a single version.
func (c Constraint) IsExact() bool {
	return c.kind == kindExact
}

// Allows reports whether an advertised version satisfies the constraint.
func (c Constraint) Allows(raw string, v semver.Version) bool {
	switch c.kind {
	case kindLatest:
		return true
	case kindExact:
		return raw == c.raw
	}

	if len(v.Pre) > 0 {
		allowed := false
		for _, p := range c.pre {
			if p.Major == v.Major && p.Minor == v.Minor && p.Patch == v.Patch {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return c.rng(v)
}

// parseVersion parses a full semantic version with an optional "v" prefix.
func parseVersion(s string) (semver.Version, error) {
	return semver.Parse(strings.TrimPrefix(s, "v"))
}

// partial is a possibly incomplete version such as "1", "1.2" or "1.x".
type partial struct {
	major, minor, patch uint64
	parts               int // number of concrete numeric parts
	pre                 string
}

func (p partial) full() string {
	s := fmt.Sprintf("%d.%d.%d", p.major, p.minor, p.patch)
	if p.pre != "" {
		s += "-" + p.pre
	}
	return s
}

// next returns the smallest version above every version p matches.
func (p partial) next() string {
	switch p.parts {
	case 1:
		return fmt.Sprintf("%d.0.0", p.major+1)
	case 2:
		return fmt.Sprintf("%d.%d.0", p.major, p.minor+1)
	default:
		return fmt.Sprintf("%d.%d.%d", p.major, p.minor, p.patch+1)
	}
}

func parsePartial(s string) (partial, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return partial{}, fmt.Errorf("missing version")
	}

	var p partial
	s, _, _ = strings.Cut(s, "+")
	base, pre, hasPre := strings.Cut(s, "-")
	if hasPre {
		if pre == "" {
			return partial{}, fmt.Errorf("empty pre-release in %q", s)
		}
		p.pre = pre
	}

	fields := strings.Split(base, ".")
	if len(fields) > 3 {
		return partial{}, fmt.Errorf("too many version parts in %q", s)
	}

	wildcard := false
	for i, f := range fields {
		if f == "x" || f == "X" || f == "*" {
			wildcard = true
			continue
		}
		if wildcard {
			return partial{}, fmt.Errorf("number after wildcard in %q", s)
		}
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil || (len(f) > 1 && f[0] == '0') {
			return partial{}, fmt.Errorf("invalid version part %q", f)
		}
		switch i {
		case 0:
			p.major = n
		case 1:
			p.minor = n
		case 2:
			p.patch = n
		}
		p.parts = i + 1
	}

	if p.pre != "" && p.parts != 3 {
		return partial{}, fmt.Errorf("pre-release on incomplete version %q", s)
	}
	if p.pre != "" {
		if _, err := semver.Parse(p.full()); err != nil {
			return partial{}, err
		}
	}
	return p, nil
}

// compileRange turns a range expression into a semver.Range. Caret, tilde,
// hyphen, wildcard and partial forms are first rewritten into plain
// comparators on full versions.
func compileRange(s string) (semver.Range, []semver.Version, error) {
	var (
		rng semver.Range
		pre []semver.Version
	)

	for _, alt := range strings.Split(s, "||") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return nil, nil, fmt.Errorf("empty alternative")
		}

		var comparators []string
		var err error
		if lo, hi, ok := strings.Cut(alt, " - "); ok {
			comparators, err = hyphenRange(lo, hi)
		} else {
			for _, tok := range strings.Fields(alt) {
				var cs []string
				cs, err = comparator(tok)
				if err != nil {
					break
				}
				comparators = append(comparators, cs...)
			}
		}
		if err != nil {
			return nil, nil, err
		}

		altRange := semver.Range(func(semver.Version) bool { return true })
		for _, c := range comparators {
			op, v, err := splitComparator(c)
			if err != nil {
				return nil, nil, err
			}
			if len(v.Pre) > 0 {
				pre = append(pre, v)
			}
			altRange = altRange.AND(compare(op, v))
		}

		if rng == nil {
			rng = altRange
		} else {
			rng = rng.OR(altRange)
		}
	}

	return rng, pre, nil
}

func splitComparator(c string) (string, semver.Version, error) {
	i := strings.IndexFunc(c, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return "", semver.Version{}, fmt.Errorf("invalid comparator %q", c)
	}
	v, err := semver.Parse(c[i:])
	if err != nil {
		return "", semver.Version{}, err
	}
	return c[:i], v, nil
}

func compare(op string, v semver.Version) semver.Range {
	switch op {
	case ">=":
		return func(x semver.Version) bool { return x.GTE(v) }
	case ">":
		return func(x semver.Version) bool { return x.GT(v) }
	case "<=":
		return func(x semver.Version) bool { return x.LTE(v) }
	case "<":
		return func(x semver.Version) bool { return x.LT(v) }
	case "!=":
		return func(x semver.Version) bool { return x.NE(v) }
	default:
		return func(x semver.Version) bool { return x.EQ(v) }
	}
}

func hyphenRange(lo, hi string) ([]string, error) {
	from, err := parsePartial(lo)
	if err != nil {
		return nil, err
	}
	to, err := parsePartial(hi)
	if err != nil {
		return nil, err
	}

	out := []string{">=" + from.full()}
	if to.parts == 3 {
		out = append(out, "<="+to.full())
	} else if to.parts > 0 {
		out = append(out, "<"+to.next())
	}
	return out, nil
}

func comparator(tok string) ([]string, error) {
	if tok == "*" || tok == "x" || tok == "X" {
		return nil, nil
	}

	op := ""
	for _, candidate := range []string{">=", "<=", "!=", "==", ">", "<", "=", "!", "^", "~"} {
		if strings.HasPrefix(tok, candidate) {
			op = candidate
			break
		}
	}
	p, err := parsePartial(strings.TrimPrefix(tok, op))
	if err != nil {
		return nil, err
	}

	switch op {
	case "^":
		return caret(p), nil
	case "~":
		return tilde(p), nil
	case "", "=", "==":
		if p.parts == 3 {
			return []string{"=" + p.full()}, nil
		}
		return wildcardRange(p), nil
	case ">=":
		return []string{">=" + p.full()}, nil
	case ">":
		if p.parts == 3 {
			return []string{">" + p.full()}, nil
		}
		if p.parts == 0 {
			return nil, fmt.Errorf("nothing is greater than %q", tok)
		}
		return []string{">=" + p.next()}, nil
	case "<":
		if p.parts == 0 {
			return nil, fmt.Errorf("nothing is less than %q", tok)
		}
		return []string{"<" + p.full()}, nil
	case "<=":
		if p.parts == 3 {
			return []string{"<=" + p.full()}, nil
		}
		if p.parts == 0 {
			return nil, nil
		}
		return []string{"<" + p.next()}, nil
	case "!", "!=":
		if p.parts != 3 {
			return nil, fmt.Errorf("exclusion needs a full version: %q", tok)
		}
		return []string{"!=" + p.full()}, nil
	}
	return nil, fmt.Errorf("unsupported comparator %q", tok)
}

func wildcardRange(p partial) []string {
	if p.parts == 0 {
		return nil
	}
	return []string{">=" + p.full(), "<" + p.next()}
}

// caret allows changes that do not modify the left-most non-zero part.
func caret(p partial) []string {
	lower := ">=" + p.full()
	switch {
	case p.parts == 0:
		return nil
	case p.major > 0 || p.parts == 1:
		return []string{lower, fmt.Sprintf("<%d.0.0", p.major+1)}
	case p.minor > 0 || p.parts == 2:
		return []string{lower, fmt.Sprintf("<0.%d.0", p.minor+1)}
	default:
		return []string{lower, fmt.Sprintf("<0.0.%d", p.patch+1)}
	}
}

// tilde allows patch-level changes, or minor-level when only a major is given.
func tilde(p partial) []string {
	lower := ">=" + p.full()
	switch p.parts {
	case 0:
		return nil
	case 1:
		return []string{lower, fmt.Sprintf("<%d.0.0", p.major+1)}
	default:
		return []string{lower, fmt.Sprintf("<%d.%d.0", p.major, p.minor+1)}
	}
}

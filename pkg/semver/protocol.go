// Package semver decides which negotiation protocol versions this shore
// will talk to.
package semver

import (
	"fmt"
	"regexp"
	"strconv"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:protocol"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly checks if a range is a bare major (e.g. "1").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// Policy is a compiled protocol constraint. The zero Policy and a nil
// *Policy accept every well-formed version.
type Policy struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewPolicy compiles a constraint such as "^1.2", "~1.4.0", ">=1, <3" or a
// bare major "1". An empty string accepts everything.
func NewPolicy(rangeStr string) (*Policy, error) {
	p := &Policy{raw: rangeStr}
	if rangeStr == "" {
		return p, nil
	}
	expr := rangeStr
	if IsMajorOnly(rangeStr) {
		major, _ := strconv.Atoi(rangeStr)
		expr = fmt.Sprintf(">=%d.0.0-0, <%d.0.0-0", major, major+1)
	}
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol constraint %q: %w", logPrefix, rangeStr, err)
	}
	p.constraint = c
	return p, nil
}

// Accepts reports whether version is well formed and satisfies the policy.
func (p *Policy) Accepts(version string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if p == nil || p.constraint == nil {
		return true
	}
	return p.constraint.Check(sv)
}

// String returns the constraint as configured.
func (p *Policy) String() string {
	if p == nil || p.raw == "" {
		return "*"
	}
	return p.raw
}

// Newer reports whether version a is strictly greater than b. Malformed
// versions sort lowest.
func Newer(a, b string) bool {
	va, errA := masterminds.NewVersion(a)
	vb, errB := masterminds.NewVersion(b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	default:
		return va.GreaterThan(vb)
	}
}

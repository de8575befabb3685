// Package compat gates plugin activation on the host runtime version.
//
// The gate is evaluated once at startup and on config reload, never per
// request. A version outside the supported range, or one we cannot parse,
// refuses activation rather than guessing.
package compat

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrIncompatible is wrapped by Check when the running host version is
// outside the supported range or cannot be parsed.
var ErrIncompatible = fmt.Errorf("host version not supported")

// ErrBadRange is wrapped by Check and ParseRange when the range expression
// itself is malformed. This is a fatal configuration error.
var ErrBadRange = fmt.Errorf("malformed version range")

// Version is a strict MAJOR.MINOR.PATCH semantic version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses a strict three-component version string. No "v"
// prefix, no pre-release or build suffix.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}
	var v Version
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid semantic version %q", s)
		}
		*dst = n
	}
	return v, nil
}

// Compare returns -1, 0, or 1 comparing v to o numerically per component.
func (v Version) Compare(o Version) int {
	for _, d := range []int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// String returns the dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

type constraintOp string

const (
	opGE constraintOp = ">="
	opLE constraintOp = "<="
	opEQ constraintOp = "=="
	opGT constraintOp = ">"
	opLT constraintOp = "<"
)

type constraint struct {
	op  constraintOp
	rhs Version
}

func (c constraint) satisfiedBy(v Version) bool {
	cmp := v.Compare(c.rhs)
	switch c.op {
	case opGE:
		return cmp >= 0
	case opLE:
		return cmp <= 0
	case opEQ:
		return cmp == 0
	case opGT:
		return cmp > 0
	case opLT:
		return cmp < 0
	}
	return false
}

// Range is a parsed set of version constraints, all of which must hold.
type Range struct {
	expr        string
	constraints []constraint
}

// ParseRange parses a comma-separated constraint expression such as
// ">=1.8.0,<2.0.0". Empty tokens are ignored; an empty expression matches
// every version.
func ParseRange(expr string) (Range, error) {
	r := Range{expr: expr}
	for _, token := range strings.Split(expr, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		var c constraint
		matched := false
		// order matters: two-char operators first so ">=" is not read as ">"
		for _, op := range []constraintOp{opGE, opLE, opEQ, opGT, opLT} {
			if strings.HasPrefix(token, string(op)) {
				rhs, err := ParseVersion(token[len(op):])
				if err != nil {
					return Range{}, fmt.Errorf("%w: token %q: %v", ErrBadRange, token, err)
				}
				c = constraint{op: op, rhs: rhs}
				matched = true
				break
			}
		}
		if !matched {
			return Range{}, fmt.Errorf("%w: unsupported token %q", ErrBadRange, token)
		}
		r.constraints = append(r.constraints, c)
	}
	return r, nil
}

// Contains reports whether v satisfies every constraint in the range.
func (r Range) Contains(v Version) bool {
	for _, c := range r.constraints {
		if !c.satisfiedBy(v) {
			return false
		}
	}
	return true
}

// String returns the original expression.
func (r Range) String() string { return r.expr }

// Check verifies that hostVersion falls inside rangeExpr.
//
// A malformed rangeExpr returns ErrBadRange. A malformed or out-of-range
// hostVersion returns ErrIncompatible: the gate fails closed on anything it
// cannot positively verify.
func Check(hostVersion, rangeExpr string) error {
	r, err := ParseRange(rangeExpr)
	if err != nil {
		return err
	}
	v, err := ParseVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if !r.Contains(v) {
		return fmt.Errorf("%w: host version %s outside required range %s", ErrIncompatible, v, rangeExpr)
	}
	return nil
}

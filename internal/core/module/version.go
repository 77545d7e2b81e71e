package module

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// canonical turns "1.2" or "v1.2.0" into the "v1.2.0" form semver expects.
func canonical(version string) (string, error) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", failure.Newf(failure.KindInvalidInput, "module.version", "invalid version %q", version)
	}
	return semver.Canonical(v), nil
}

type clause struct {
	op      string
	version string
}

// requirement is a conjunction of clauses. An empty requirement accepts
// every version.
type requirement []clause

var operators = []string{">=", "<=", "!=", ">", "<", "=", "^", "~"}

func parseRequirement(s string) (requirement, error) {
	var req requirement
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		op := "="
		for _, candidate := range operators {
			if strings.HasPrefix(part, candidate) {
				op = candidate
				part = strings.TrimSpace(part[len(candidate):])
				break
			}
		}
		v, err := canonical(part)
		if err != nil {
			return nil, err
		}
		req = append(req, clause{op: op, version: v})
	}
	return req, nil
}

func (r requirement) allows(version string) bool {
	for _, c := range r {
		cmp := semver.Compare(version, c.version)
		var ok bool
		switch c.op {
		case "=":
			ok = cmp == 0
		case "!=":
			ok = cmp != 0
		case ">":
			ok = cmp > 0
		case ">=":
			ok = cmp >= 0
		case "<":
			ok = cmp < 0
		case "<=":
			ok = cmp <= 0
		case "^":
			// Same major; for 0.x the minor is the compatibility boundary.
			ok = cmp >= 0 && semver.Major(version) == semver.Major(c.version)
			if ok && semver.Major(c.version) == "v0" {
				ok = semver.MajorMinor(version) == semver.MajorMinor(c.version)
			}
		case "~":
			ok = cmp >= 0 && semver.MajorMinor(version) == semver.MajorMinor(c.version)
		}
		if !ok {
			return false
		}
	}
	return true
}

// Satisfies reports whether version meets requirement.
func Satisfies(version, req string) (bool, error) {
	v, err := canonical(version)
	if err != nil {
		return false, err
	}
	r, err := parseRequirement(req)
	if err != nil {
		return false, err
	}
	return r.allows(v), nil
}

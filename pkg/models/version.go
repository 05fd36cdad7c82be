package models

import (
	"slices"
	"strconv"
	"strings"
)

// InitialVersion is allocated on the first publish of a team.
const InitialVersion = "1"

// BumpLastSegment increments the last dot segment: "1" → "2", "1.3" → "1.4".
// A non-numeric last segment counts as 0.
func BumpLastSegment(v string) string {
	parts := strings.Split(v, ".")
	n, _ := strconv.Atoi(parts[len(parts)-1])
	parts[len(parts)-1] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}

// NextVersion allocates the version a publish moves to.
//
// With no current version it returns InitialVersion. Otherwise the last
// segment is incremented; if that collides with an existing version of the
// same team, current+".1", current+".2", ... are tried until one is free.
func NextVersion(current string, existing []string) string {
	if current == "" {
		return InitialVersion
	}
	version := BumpLastSegment(current)
	for i := 1; slices.Contains(existing, version); i++ {
		version = current + "." + strconv.Itoa(i)
	}
	return version
}

// CompareVersions orders dot-segmented versions numerically segment by
// segment; a longer version sorts after its prefix ("1" < "1.1" < "2").
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

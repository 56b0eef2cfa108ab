// Package version implements the server's four-part version identifier and
// its client/server compatibility rule.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Undefined marks a component that was never set by the peer (used only for
// major/minor/patch/release read off an old or malformed handshake).
const Undefined = -1

// Version is the quadruple (major, minor, patch, release).
type Version struct {
	Major, Minor, Patch, Release int
}

// Current is the version this build of the server advertises in its
// handshake and in the identity-service User-Agent header.
var Current = Version{Major: 1, Minor: 0, Patch: 0, Release: 0}

// IsUndefined reports whether this version was never filled in.
func (v Version) IsUndefined() bool {
	return v.Major == Undefined
}

// String renders "M.m.p" when Release is 0, otherwise "M.m.p-rcR".
func (v Version) String() string {
	if v.Release == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d-rc%d", v.Major, v.Minor, v.Patch, v.Release)
}

// Parse reads "M.m.p" or "M.m.p-rcR", tolerating a leading "v".
func Parse(s string) (Version, error) {
	s = strings.TrimPrefix(s, "v")

	release := 0
	base := s
	if i := strings.Index(s, "-rc"); i >= 0 {
		base = s[:i]
		r, err := strconv.Atoi(s[i+3:])
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid release in %q: %w", s, err)
		}
		release = r
	}

	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version: %q must have 3 dotted components", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid component %q in %q: %w", p, s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Release: release}, nil
}

// CompatibleWith reports whether two versions are compatible: major numbers
// match and neither is undefined.
func (v Version) CompatibleWith(other Version) bool {
	if v.IsUndefined() || other.IsUndefined() {
		return false
	}
	return v.Major == other.Major
}

// AtLeast reports whether v is greater than or equal to floor,
// compared lexicographically over (major, minor, patch); release is not
// considered part of the ordering (a release candidate satisfies its own
// M.m.p floor).
func (v Version) AtLeast(floor Version) bool {
	if v.Major != floor.Major {
		return v.Major > floor.Major
	}
	if v.Minor != floor.Minor {
		return v.Minor > floor.Minor
	}
	return v.Patch >= floor.Patch
}

// MarshalJSON renders the version as its string form, the wire
// representation clients and the identity service expect.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.String() + `"`), nil
}

// UnmarshalJSON parses the version from its string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

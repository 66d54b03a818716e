// Package version provides tool version parsing and comparison.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the version of the provisioning tool set. HSMs may require a
// minimum version through their HSM_INFO object.
const Current = "1.1.5"

// ToolVersion represents a parsed "major.minor[.patch]" version.
type ToolVersion struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// Parse parses a "major.minor" or "major.minor.patch" version string.
func Parse(s string) (ToolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return ToolVersion{}, fmt.Errorf("invalid version %q: expected major.minor[.patch]", s)
	}

	var nums [3]uint16
	names := [3]string{"major", "minor", "patch"}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || p == "" {
			return ToolVersion{}, fmt.Errorf("invalid version %q: bad %s component", s, names[i])
		}
		nums[i] = uint16(n)
	}

	return ToolVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse is like Parse but panics on error. Only for constants.
func MustParse(s string) ToolVersion {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor.patch".
func (v ToolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other.
func (v ToolVersion) Compare(other ToolVersion) int {
	a := [3]uint16{v.Major, v.Minor, v.Patch}
	b := [3]uint16{other.Major, other.Minor, other.Patch}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v satisfies the minimum version req.
func (v ToolVersion) AtLeast(req ToolVersion) bool {
	return v.Compare(req) >= 0
}

// Tool returns the parsed Current version.
func Tool() ToolVersion {
	return MustParse(Current)
}

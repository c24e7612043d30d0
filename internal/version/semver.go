// Package version gates sync sessions on protocol and client version compatibility.
package version

import (
	"fmt"
	"regexp"
	"strconv"
)

// ProtocolVersion is the wire generation of the sync handshake spoken by this build.
const ProtocolVersion = 1

var semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)`)

// Version is a major.minor.patch triple. Pre-release and build metadata are ignored.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses raw permissively: anything that does not start with
// major.minor.patch yields 0.0.0 rather than an error.
func ParseVersion(raw string) Version {
	match := semverPattern.FindStringSubmatch(raw)
	if match == nil {
		return Version{}
	}
	parts := [3]int{}
	for index := range parts {
		value, err := strconv.Atoi(match[index+1])
		if err != nil {
			return Version{}
		}
		parts[index] = value
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1. The first differing component decides.
func (v Version) Compare(other Version) int {
	for _, pair := range [3][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		switch {
		case pair[0] < pair[1]:
			return -1
		case pair[0] > pair[1]:
			return 1
		}
	}
	return 0
}

// CompareVersions parses both strings and compares them.
func CompareVersions(a, b string) int {
	return ParseVersion(a).Compare(ParseVersion(b))
}

// IsProtocolCompatible reports whether a peer speaks exactly this build's protocol.
func IsProtocolCompatible(protocol int) bool {
	return CheckProtocol(ProtocolVersion, protocol)
}

// CheckProtocol requires an exact match.
func CheckProtocol(serverProtocol, clientProtocol int) bool {
	return serverProtocol == clientProtocol
}

// CheckClientVersion reports whether client is at least minClient.
func CheckClientVersion(client, minClient string) bool {
	return CompareVersions(client, minClient) >= 0
}

// CheckProject reports whether client may open a project that requires projectMinClient.
func CheckProject(client, projectMinClient string) bool {
	return CompareVersions(client, projectMinClient) >= 0
}

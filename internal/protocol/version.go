package protocol

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the protocol version this server speaks.
const Version = "v0.20.0"

// ErrVersionMismatch is returned when a host's protocol version is incompatible.
var ErrVersionMismatch = errors.New("protocol version mismatch")

// Negotiate checks a host's protocol version against Version.
// The host must send a valid semantic version with the same major component,
// and must not be newer than the server.
//
// Postcondition: Returns nil when compatible, or an error wrapping ErrVersionMismatch.
func Negotiate(client string) error {
	clientVer := strings.TrimSpace(client)
	if clientVer == "" {
		return fmt.Errorf("%w: host sent no protocol version", ErrVersionMismatch)
	}
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}
	if !semver.IsValid(clientVer) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrVersionMismatch, client)
	}

	if semver.Major(clientVer) != semver.Major(Version) {
		return fmt.Errorf("%w: host %s, server %s: major versions differ", ErrVersionMismatch, clientVer, Version)
	}
	// Pre-1.0 minor versions are breaking.
	if semver.Major(Version) == "v0" && semver.MajorMinor(clientVer) != semver.MajorMinor(Version) {
		return fmt.Errorf("%w: host %s, server %s: minor versions differ", ErrVersionMismatch, clientVer, Version)
	}
	if semver.Compare(clientVer, Version) > 0 {
		return fmt.Errorf("%w: host %s is newer than server %s", ErrVersionMismatch, clientVer, Version)
	}
	return nil
}

package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed. Host and
// worker compare this string during the spawn handshake, so a worker from
// a stale binary is refused before it serves a job.
func Get() string {
	return strings.TrimSpace(versionContent)
}

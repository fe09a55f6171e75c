// Package archive packs the contents of the object store into a zip archive
// with a manifest describing what was captured and what was left out.
package archive

import (
	"path"
	"strings"
)

// ReservedPrefix is where backup artifacts are written in the object store.
const ReservedPrefix = "backups/"

var markerSegments = map[string]bool{
	"backup":  true,
	"backups": true,
	"tmp":     true,
	"temp":    true,
	".tmp":    true,
	".trash":  true,
}

var archiveExtensions = []string{".tar.gz", ".sql.gz", ".tgz", ".zip", ".tar"}

// IsBackupArtifact reports whether key looks like a backup artifact or
// scratch data that must never be packed into another backup. It is checked
// before any object is fetched.
func IsBackupArtifact(key string) bool {
	lower := strings.ToLower(strings.TrimLeft(key, "/"))
	if strings.HasPrefix(lower, ReservedPrefix) {
		return true
	}

	segments := strings.Split(lower, "/")
	for _, seg := range segments {
		if markerSegments[seg] {
			return true
		}
	}

	name := path.Base(lower)
	if !strings.Contains(name, "backup") {
		return false
	}
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

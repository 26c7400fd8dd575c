package loader

import (
	"path/filepath"
	"strings"
	"time"
)

// NormalizeArchivePath maps an input path onto the form the archives table
// accepts: every persisted file_path must end in ".tar". Paths already
// compliant pass through verbatim; other extensions are replaced; paths
// without an extension get ".tar" appended. The bool reports whether the
// path was modified.
func NormalizeArchivePath(path string) (string, bool) {
	if strings.EqualFold(filepath.Ext(path), ".tar") {
		return path, false
	}
	if ext := filepath.Ext(path); ext != "" {
		return strings.TrimSuffix(path, ext) + ".tar", true
	}
	return path + ".tar", true
}

// SynthesizeArchivePath names an archive when no input path is known.
func SynthesizeArchivePath(now time.Time) string {
	return "unknown_export_" + now.Format("20060102_150405") + ".tar"
}

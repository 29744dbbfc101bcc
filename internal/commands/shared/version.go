package shared

import "sync"

var (
	versionMu sync.RWMutex
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build metadata injected by main via ldflags.
func SetVersion(v, c, b string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build metadata.
func GetVersion() (string, string, string) {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return version, commit, buildDate
}

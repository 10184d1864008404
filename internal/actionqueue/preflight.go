package actionqueue

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// processRunning reports whether any process on this host runs under
// the given command name, by scanning /proc/<pid>/comm. On systems
// without a /proc filesystem it always reports false, so preflight
// never suppresses an action there.
func processRunning(name string) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true
		}
	}
	return false
}

//go:build !windows

package registry

import "os"

// detectPrivilege reports whether the current process is running with
// root privileges. Detected once per run at Load time (spec.md §4.1).
func detectPrivilege() bool {
	return os.Geteuid() == 0
}

//go:build windows

package registry

// detectPrivilege always reports false on Windows: the privileged-variant
// command templates in this registry are shaped around POSIX sudo
// semantics and are not meaningful under a Windows security context.
func detectPrivilege() bool {
	return false
}

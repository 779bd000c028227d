package scan

import "path/filepath"

// resolvedPath follows every symlink in path. Unresolvable paths are used as-is.
func resolvedPath(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		return p
	}
	return path
}

//go:build unix

package scan

import (
	"io/fs"
	"syscall"
)

// fileID is the resolved filesystem identity of an entry.
type fileID struct {
	dev, ino uint64
	path     string
}

func identityOf(path string, info fs.FileInfo) fileID {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	}
	return fileID{path: resolvedPath(path)}
}

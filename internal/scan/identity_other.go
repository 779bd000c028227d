//go:build !unix

package scan

import "io/fs"

// fileID is the resolved filesystem identity of an entry. Without device and
// inode numbers the fully resolved path stands in for it.
type fileID struct {
	dev, ino uint64
	path     string
}

func identityOf(path string, _ fs.FileInfo) fileID {
	return fileID{path: resolvedPath(path)}
}

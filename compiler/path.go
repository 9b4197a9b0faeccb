package compiler

import (
	"path"
	"strings"
)

// MetaDir holds the private metadata of a layer.  Ordinary actions may
// not touch it.
const MetaDir = "meta/"

// RootPath is the normalized form of the layer root.
const RootPath = "."

// cleanPath makes p relative to the layer root.  An absolute p is taken
// to be image-relative.  The root itself becomes ".".
func cleanPath(p string) (string, error) {
	d := strings.TrimLeft(path.Clean(p), "/")
	if d == "" {
		d = RootPath
	}
	if d == ".." || strings.HasPrefix(d, "../") {
		return "", &InvalidPathError{Path: p, Reason: "cannot start with ../"}
	}
	return d, nil
}

// NormalizePath is cleanPath for user-supplied paths, which also may not
// enter MetaDir.
func NormalizePath(p string) (string, error) {
	d, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(d+"/", MetaDir) {
		return "", &InvalidPathError{Path: p, Reason: "cannot start with " + MetaDir}
	}
	return d, nil
}

// parentDir is path.Dir for normalized paths.
func parentDir(p string) string {
	return path.Dir(p)
}

// joinPath joins normalized paths, keeping the root as ".".
func joinPath(elem ...string) string {
	return path.Join(elem...)
}

// IsPathProtected is true if p is, or is inside, one of protected.  A
// protected path with a trailing slash is a directory.
func IsPathProtected(p string, protected []string) bool {
	for _, prot := range protected {
		if !strings.HasSuffix(prot, "/") {
			prot += "/"
		}
		if strings.HasPrefix(p+"/", prot) {
			return true
		}
	}
	return false
}

// Package portal locates project files by walking up from the working
// directory.
package portal

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jguan/hookflow/pkg/fault"
)

var ErrNotFound = fault.NewDomain("portal", fault.ErrCodeNotFound, "file not found in any parent directory")

// FindFrom returns the absolute path of filename found in dir or the nearest
// of its parents.
func FindFrom(dir, filename string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fault.Wrap(err, fault.ErrCodeIO, "resolve directory")
	}
	for {
		candidate := filepath.Join(dir, filename)
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", fault.Wrap(err, fault.ErrCodeIO, "stat "+candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound.WithDetails("file", filename)
		}
		dir = parent
	}
}

// FindAny returns the first of filenames found upward from the working
// directory, trying each name in order before giving up.
func FindAny(filenames ...string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fault.Wrap(err, fault.ErrCodeIO, "get working directory")
	}
	return FindAnyFrom(wd, filenames...)
}

// FindAnyFrom is FindAny starting at dir.
func FindAnyFrom(dir string, filenames ...string) (string, error) {
	for _, name := range filenames {
		path, err := FindFrom(dir, name)
		if err == nil {
			return path, nil
		}
		if !fault.IsNotFound(err) {
			return "", err
		}
	}
	return "", ErrNotFound.WithDetails("file", filenames)
}

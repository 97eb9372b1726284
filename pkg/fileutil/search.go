// Package fileutil locates configuration files and prepares directories.
package fileutil

import (
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// ConfigDirEnv overrides the first search location.
const ConfigDirEnv = "HOOKDEPLOY_CONFIG_DIR"

// SearchPaths returns the first path that exists.
func SearchPaths(paths []string) (string, error) {
	if path := SearchPathsOptional(paths); path != "" {
		return path, nil
	}
	return "", goerr.New("file not found in any of the search paths", goerr.V("paths", paths))
}

// SearchPathsOptional returns the first path that exists, or "".
func SearchPathsOptional(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths returns where filename is looked for, in order:
//
//	$HOOKDEPLOY_CONFIG_DIR/<filename>   (when set)
//	./<filename>
//	./config/<filename>
//	<user config dir>/hookdeploy/<filename>
//	/etc/hookdeploy/<filename>
func DefaultConfigPaths(filename string) []string {
	var paths []string
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		paths = append(paths, filepath.Join(dir, filename))
	}
	paths = append(paths,
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
	)
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "hookdeploy", filename))
	}
	return append(paths, filepath.Join("/etc/hookdeploy", filename))
}

// ResolveConfig returns explicit when set, otherwise the first default
// location holding filename. The error lists every location tried.
func ResolveConfig(explicit, filename string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return SearchPaths(DefaultConfigPaths(filename))
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// EnsureParentDir creates the directory holding path with perm.
func EnsureParentDir(path string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, perm); err != nil {
		return goerr.Wrap(err, "failed to create directory", goerr.V("dir", dir))
	}
	return nil
}

package security

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// PermConfigFile is for configuration files holding project secrets.
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for service logs and event journals.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for SQLite databases.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for directories created by the service.
	PermDirectory os.FileMode = 0750
)

// OpenAppendFile opens path for appending, creating it with perm if missing.
// An existing file keeps its permissions.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open file for append", goerr.V("path", path))
	}
	return f, nil
}

// CreateSecureFile creates or truncates path and forces perm regardless of umask.
func CreateSecureFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create secure file", goerr.V("path", path))
	}

	if err := os.Chmod(path, perm); err != nil {
		file.Close()
		return nil, goerr.Wrap(err, "failed to set file permissions", goerr.V("path", path))
	}

	return file, nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions rejects world-readable or world-writable files.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return goerr.Wrap(err, "failed to stat file", goerr.V("path", path))
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return goerr.New("file is world-readable", goerr.V("path", path), goerr.V("perm", perm.String()))
	}

	if IsWorldWritable(perm) {
		return goerr.New("file is world-writable", goerr.V("path", path), goerr.V("perm", perm.String()))
	}

	return nil
}

package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/bmcctl/internal/errors"
)

const (
	pidFile     = "bmcctl.pid"
	pidFilePerm = 0o600
)

// File is a PID file guarding a single running instance
type File struct {
	path string
}

// DefaultPath returns the PID file location used when none is configured
func DefaultPath() string {
	return filepath.Join(os.TempDir(), pidFile)
}

func New(path string) *File {
	if path == "" {
		path = DefaultPath()
	}
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. It fails with
// ErrAlreadyRunning if the file names another live process; a file left
// behind by a dead process is replaced.
func (f *File) Write() error {
	errFactory := errors.New()
	pid := os.Getpid()

	if other, ok := f.read(); ok && other != pid && alive(other) {
		return errFactory.WithData(errors.ErrAlreadyRunning, other)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(pid)), pidFilePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file if it belongs to this process.
func (f *File) Remove() error {
	other, ok := f.read()
	if !ok || other != os.Getpid() {
		return nil
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) read() (int, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

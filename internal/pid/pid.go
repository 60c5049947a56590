package pid

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/droidmon/internal/errors"
)

const (
	pidPrefix = "droidmon"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Path returns the PID file used for the given device serial. One daemon
// may poll a device at a time; an empty serial means the default device.
func Path(serial string) string {
	name := pidPrefix
	if serial != "" {
		name += "-" + unsafeChars.ReplaceAllString(serial, "_")
	}
	return filepath.Join(os.TempDir(), name+".pid")
}

// Write writes the current process ID to the device's PID file.
func Write(serial string) error {
	errFactory := errors.New()
	pid := os.Getpid()
	path := Path(serial)

	if _, err := os.Stat(path); err == nil {
		// PID file exists, check if the process is running
		bytes, err := os.ReadFile(path)
		if err != nil {
			return errFactory.Wrap(errors.ErrInternal, err)
		}

		existing, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && existing != pid {
			process, err := os.FindProcess(existing)
			if err != nil {
				return errFactory.Wrap(errors.ErrInternal, err)
			}

			if err := process.Signal(syscall.Signal(0)); err == nil {
				return errFactory.WithData(errors.ErrAlreadyRunning, struct {
					PID  int
					Path string
				}{
					PID:  existing,
					Path: path,
				})
			}
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the device's PID file.
func Remove(serial string) error {
	errFactory := errors.New()
	path := Path(serial)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

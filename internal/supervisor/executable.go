package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// resolveExecutable returns the absolute path to run for command. Commands
// containing a path separator are files: relative ones are taken from
// workDir, and the file is marked executable before first use. Bare names
// are looked up on PATH and left untouched.
func resolveExecutable(command, workDir string) (string, error) {
	if !strings.ContainsRune(command, '/') && !strings.ContainsRune(command, filepath.Separator) {
		return exec.LookPath(command)
	}
	path := command
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := ensureExecutable(path); err != nil {
		return "", err
	}
	return path, nil
}

// ensureExecutable adds the execute bits wherever the read bits are set,
// like chmod +x honoring the current mode.
func ensureExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	mode := fi.Mode().Perm()
	want := mode | (mode&0o444)>>2 | 0o100
	if want == mode {
		return nil
	}
	return os.Chmod(path, want)
}

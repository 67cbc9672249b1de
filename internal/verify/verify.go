// Package verify runs the HEASARC fitsverify tool over PSRFITS outputs.
package verify

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// Verifier checks FITS files with an external fitsverify binary.
type Verifier struct {
	path   string
	logger *log.Logger
}

// New locates fitsverify and returns a Verifier using it. binary, when not
// empty, is used instead of searching the system.
func New(binary string, logger *log.Logger) (*Verifier, error) {
	if logger == nil {
		logger = log.Default()
	}
	path := binary
	if path == "" {
		var err error
		if path, err = findFitsVerify(); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("fitsverify not usable at %s: %w", path, err)
	}
	logger.Debug("using fitsverify", "path", path)
	return &Verifier{path: path, logger: logger}, nil
}

// Path returns the binary in use.
func (v *Verifier) Path() string {
	return v.path
}

// findFitsVerify locates the fitsverify binary on the system.
func findFitsVerify() (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("where", "fitsverify")
	} else {
		cmd = exec.Command("which", "fitsverify")
	}
	if output, err := cmd.Output(); err == nil {
		if path := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0]); path != "" {
			return path, nil
		}
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "windows":
		commonPaths = []string{
			`C:\heasoft\bin\fitsverify.exe`,
			`C:\Program Files\cfitsio\bin\fitsverify.exe`,
		}
	case "darwin":
		commonPaths = []string{
			"/usr/local/bin/fitsverify",
			"/opt/homebrew/bin/fitsverify",
			"/opt/local/bin/fitsverify",
		}
	default:
		commonPaths = []string{
			"/usr/bin/fitsverify",
			"/usr/local/bin/fitsverify",
			"/opt/heasoft/bin/fitsverify",
		}
	}
	if headas := os.Getenv("HEADAS"); headas != "" {
		commonPaths = append([]string{headas + "/bin/fitsverify"}, commonPaths...)
	}
	for _, path := range commonPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("fitsverify not found. Install HEASoft or cfitsio to use --verify")
}

// File runs fitsverify on path. A non-zero exit is reported with the tool's
// output.
func (v *Verifier) File(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("input file does not exist: %s", path)
	}
	cmd := exec.Command(v.path, "-q", "-e", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	v.logger.Debug("running", "cmd", cmd.String())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fitsverify rejected %s: %w: %s", path, err, strings.TrimSpace(out.String()))
	}
	v.logger.Info("verified", "path", path, "result", strings.TrimSpace(out.String()))
	return nil
}

// Files verifies every path and keeps going after a failure. The number of
// rejected files is returned with the first error.
func (v *Verifier) Files(paths []string) (int, error) {
	failed := 0
	var first error
	for _, p := range paths {
		if err := v.File(p); err != nil {
			v.logger.Error("verification failed", "path", p, "err", err)
			failed++
			if first == nil {
				first = err
			}
		}
	}
	return failed, first
}

package tools

import (
	"fmt"
	"path/filepath"

	"github.com/parley-ai/parley/internal/filepathext"
	"github.com/parley-ai/parley/internal/fsext"
)

// resolvePath turns a tool argument into an absolute path inside
// workingDir. Tools are read-only and never reach outside the workspace.
func resolvePath(workingDir, p string) (string, error) {
	absWorkingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("error resolving working directory: %w", err)
	}
	if p == "" {
		return absWorkingDir, nil
	}
	abs, err := filepath.Abs(filepathext.SmartJoin(absWorkingDir, fsext.Expand(p)))
	if err != nil {
		return "", fmt.Errorf("error resolving path: %w", err)
	}
	if !fsext.HasPrefix(abs, absWorkingDir) {
		return "", fmt.Errorf("path is outside the working directory: %s", abs)
	}
	return abs, nil
}

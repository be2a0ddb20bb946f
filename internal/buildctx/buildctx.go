// Package buildctx carries the build-time configuration (debug vs release,
// workspace/build directories) that the original threads through a
// module-global; here it's an explicit value passed to every builder.
package buildctx

import (
	"os"
	"path/filepath"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// Mode selects compiler/linker flags for module builds.
type Mode uint8

const (
	ModeDebug Mode = iota
	ModeRelease
)

func (m Mode) String() string {
	if m == ModeRelease {
		return "release"
	}
	return "debug"
}

// ParseMode maps a --mode flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "debug":
		return ModeDebug, nil
	case "release":
		return ModeRelease, nil
	default:
		return 0, apperrors.New(apperrors.ConfigMissingField, "bad build mode").WithDetail("mode", s)
	}
}

// BuildContext is handed to every module builder; it replaces the original's
// module-global BUILD_DIR/BUILD_MODE.
type BuildContext struct {
	Mode Mode

	// WorkspaceDir is the directory containing the descriptor file; module
	// source paths not given as absolute are resolved relative to it.
	WorkspaceDir string

	// BuildDir is where generated crates/objects/binaries land, mirroring
	// the original's `os.path.join(os.getcwd(), "build")`.
	BuildDir string
}

// New constructs a BuildContext, defaulting BuildDir to "build" under
// workspaceDir when buildDir is empty.
func New(mode Mode, workspaceDir, buildDir string) BuildContext {
	if buildDir == "" {
		buildDir = filepath.Join(workspaceDir, "build")
	}
	return BuildContext{Mode: mode, WorkspaceDir: workspaceDir, BuildDir: buildDir}
}

// ModuleDir returns (and ensures exists) the per-module subdirectory of
// BuildDir, the destination for that module's generated crate/binary.
func (b BuildContext) ModuleDir(moduleName string) (string, error) {
	dir := filepath.Join(b.BuildDir, moduleName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.BuildArtifactMissing, "creating module build directory", err)
	}
	return dir, nil
}

// ResolvePath makes p absolute against WorkspaceDir if it isn't already,
// mirroring loaders.py's parse_file_name (os.path.abspath).
func (b BuildContext) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.WorkspaceDir, p)
}

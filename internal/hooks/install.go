// Package hooks implements the hook installer (C8) and the pre-receive /
// update / post-receive dispatch logic (C7) that together enforce the
// authority model's integrity rules over every push.
package hooks

import (
	"os"
	"path/filepath"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
)

// Names of the three hooks the daemon installs into every repository it
// manages. The daemon binary is invoked as each of these via argv[0]-based
// dispatch (see cmd/furrow).
const (
	PreReceive  = "pre-receive"
	Update      = "update"
	PostReceive = "post-receive"
)

// Names lists the hooks Install keeps in sync.
var Names = []string{PreReceive, Update, PostReceive}

// GitConfigFileName is the server-owned global git config written once at
// storage-root initialisation.
const GitConfigFileName = ".gitconfig"

// gitConfigBody is the content of the server-owned .gitconfig: it lets the
// daemon's hooks decide whether to allow deleting a branch currently
// checked out as HEAD, rather than letting git itself refuse the push
// before the hook ever runs.
const gitConfigBody = "" +
	"[init]\n" +
	"\tdefaultBranch = main\n" +
	"[receive]\n" +
	"\tkeepAlive = 3\n" +
	"\tfsckObjects = true\n" +
	"\tdenyDeleteCurrent = ignore\n"

// PopulateGitConfig writes the server-owned .gitconfig to <storage>/.gitconfig
// if it does not already exist, and returns its path for injection as
// GIT_CONFIG_GLOBAL. It is written once at daemon startup and is read-only
// thereafter.
func PopulateGitConfig(storage string) (string, error) {
	path := filepath.Join(storage, GitConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(gitConfigBody), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Install ensures <repo>/hooks/{pre-receive,update,post-receive} are
// symlinks to the currently running executable. An unrelated symlink is
// replaced; a regular file is left untouched (never clobber user
// configuration); a missing entry is created. The operation is idempotent
// and safe to run on every allowed request.
func Install(repo *gitrepo.Repository) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	hooksDir := repo.HooksDir()
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return err
	}
	for _, name := range Names {
		if err := ensureSymlink(filepath.Join(hooksDir, name), exe); err != nil {
			return err
		}
	}
	return nil
}

func ensureSymlink(path, target string) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeSymlink == 0 {
			// A regular file: user configuration, never clobbered.
			return nil
		}
		existing, err := os.Readlink(path)
		if err == nil && existing == target {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		return os.Symlink(target, path)
	case os.IsNotExist(err):
		return os.Symlink(target, path)
	default:
		return err
	}
}

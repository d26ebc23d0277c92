package entries

import (
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
)

// Registration controls whether an unrecognised peer may self-register a
// namespace's local authority.
type Registration string

const (
	// Allow lets any peer create a namespace's local authority on first
	// push to "<ns>/_.git".
	Allow Registration = "allow"
	// Deny restricts local-authority creation to peers already on the
	// global keychain. This is the default.
	Deny Registration = "deny"
)

// Global is the server-wide policy entry, meaningful only at the global
// authority (namespace = nil).
type Global struct {
	Registration Registration `toml:"registration"`
}

// LoadGlobal reads Global.toml from repo's HEAD commit.
func LoadGlobal(repo *gitrepo.Repository) (Global, error) {
	var g Global
	err := load(repo, GlobalPath, &g)
	return g, err
}

// LoadGlobalAt reads Global.toml from an explicit commit.
func LoadGlobalAt(repo *gitrepo.Repository, commit *object.Commit) (Global, error) {
	var g Global
	err := loadAt(repo, commit, GlobalPath, &g)
	return g, err
}

// LoadOrInitGlobal reads Global.toml, or initialises it (registration
// denied by default) and commits it if it does not exist yet.
func LoadOrInitGlobal(repo *gitrepo.Repository) (Global, error) {
	g, err := LoadGlobal(repo)
	if err == nil {
		return g, nil
	}
	if !isMissing(err) {
		return Global{}, err
	}
	g = Global{Registration: Deny}
	if err := CommitGlobal(repo, g, initMessage(GlobalPath)); err != nil {
		return Global{}, err
	}
	return g, nil
}

// CommitGlobal serialises and commits g to Global.toml.
func CommitGlobal(repo *gitrepo.Repository, g Global, message string) error {
	return commitEntry(repo, GlobalPath, g, message)
}

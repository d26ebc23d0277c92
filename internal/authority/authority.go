// Package authority aggregates the entry types (internal/entries) into the
// two views the tunnel and hook dispatcher actually consume: a namespace's
// local authority (keychain + repository specs) and, for the server root,
// the global authority (global policy plus its own local authority).
package authority

import (
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/entries"
	"github.com/nurrl-dev/furrow/internal/gitrepo"
)

// Local is the authority view present at any authority repository
// (global or namespaced): the set of keys allowed to push to it, and the
// repository specifications it governs.
type Local struct {
	Keychain     entries.Keychain
	Repositories entries.Repositories
}

// LoadOrInitLocal loads Keychain.toml and Repositories.toml from repo's
// HEAD, initialising either (or both) if the repository was just created:
// the keychain seeds with requester as its sole member.
func LoadOrInitLocal(repo *gitrepo.Repository, requester ssh.PublicKey) (Local, error) {
	keychain, err := entries.LoadOrInitKeychain(repo, requester)
	if err != nil {
		return Local{}, err
	}
	repositories, err := entries.LoadOrInitRepositories(repo)
	if err != nil {
		return Local{}, err
	}
	return Local{Keychain: keychain, Repositories: repositories}, nil
}

// LoadLocalAt loads Keychain.toml and Repositories.toml from an explicit
// commit, for hook-time verification of the exact pushed state.
func LoadLocalAt(repo *gitrepo.Repository, commit *object.Commit) (Local, error) {
	keychain, err := entries.LoadKeychainAt(repo, commit)
	if err != nil {
		return Local{}, err
	}
	repositories, err := entries.LoadRepositoriesAt(repo, commit)
	if err != nil {
		return Local{}, err
	}
	return Local{Keychain: keychain, Repositories: repositories}, nil
}

// Global is the authority view at the server root: global registration
// policy plus the server root's own local authority (the global authority
// repository is simultaneously namespace=None's local authority).
type Global struct {
	Global entries.Global
	Local  Local
}

// LoadOrInitGlobal loads the global policy and the root's local authority
// from repo's HEAD, initialising whichever parts do not exist yet.
func LoadOrInitGlobal(repo *gitrepo.Repository, requester ssh.PublicKey) (Global, error) {
	global, err := entries.LoadOrInitGlobal(repo)
	if err != nil {
		return Global{}, err
	}
	local, err := LoadOrInitLocal(repo, requester)
	if err != nil {
		return Global{}, err
	}
	return Global{Global: global, Local: local}, nil
}

// LoadGlobalAt loads the global policy and the root's local authority from
// an explicit commit.
func LoadGlobalAt(repo *gitrepo.Repository, commit *object.Commit) (Global, error) {
	global, err := entries.LoadGlobalAt(repo, commit)
	if err != nil {
		return Global{}, err
	}
	local, err := LoadLocalAt(repo, commit)
	if err != nil {
		return Global{}, err
	}
	return Global{Global: global, Local: local}, nil
}

package entries

import (
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
)

// Visibility controls who may read or write a normal repository.
type Visibility string

const (
	// Private requires keychain membership for any access. Default.
	Private Visibility = "private"
	// Public allows anonymous reads; writes still require keychain
	// membership.
	Public Visibility = "public"
	// Archive allows only reads, from anyone.
	Archive Visibility = "archive"
)

// RefConfig controls force-push and delete permissions for one branch.
type RefConfig struct {
	AllowForce  bool `toml:"allow_force"`
	AllowDelete bool `toml:"allow_delete"`
}

// DefaultRefConfig is the permissive default applied when a branch has no
// explicit entry in a Spec's Branch map: both force-push and delete are
// allowed.
func DefaultRefConfig() RefConfig {
	return RefConfig{AllowForce: true, AllowDelete: true}
}

// ProtectedRefConfig denies both force-push and delete.
func ProtectedRefConfig() RefConfig {
	return RefConfig{}
}

// Unprotected is the refconfig applied to tags, which have no per-name
// protection map of their own.
func Unprotected() RefConfig {
	return DefaultRefConfig()
}

// Spec is the configuration record for one normal repository.
type Spec struct {
	Description *string              `toml:"description,omitempty"`
	License     *string              `toml:"license,omitempty"`
	Visibility  Visibility           `toml:"visibility"`
	Branches    *string              `toml:"branches,omitempty"`
	Tags        *string              `toml:"tags,omitempty"`
	Branch      map[string]RefConfig `toml:"ref,omitempty"`
}

// RefConfigFor returns the effective RefConfig for branch name, falling
// back to DefaultRefConfig when the branch has no explicit entry.
func (s Spec) RefConfigFor(branch string) RefConfig {
	if rc, ok := s.Branch[branch]; ok {
		return rc
	}
	return DefaultRefConfig()
}

// Repositories maps a Base repository name (without ".git") to its Spec,
// for every normal repository declared within one namespace.
type Repositories struct {
	Repositories map[string]Spec `toml:"repositories"`
}

// LoadRepositories reads Repositories.toml from repo's HEAD commit.
func LoadRepositories(repo *gitrepo.Repository) (Repositories, error) {
	var r Repositories
	err := load(repo, RepositoriesPath, &r)
	return r, err
}

// LoadRepositoriesAt reads Repositories.toml from an explicit commit.
func LoadRepositoriesAt(repo *gitrepo.Repository, commit *object.Commit) (Repositories, error) {
	var r Repositories
	err := loadAt(repo, commit, RepositoriesPath, &r)
	return r, err
}

// LoadOrInitRepositories reads Repositories.toml, or initialises it empty
// and commits it if it does not exist yet.
func LoadOrInitRepositories(repo *gitrepo.Repository) (Repositories, error) {
	r, err := LoadRepositories(repo)
	if err == nil {
		return r, nil
	}
	if !isMissing(err) {
		return Repositories{}, err
	}
	r = Repositories{Repositories: map[string]Spec{}}
	if err := CommitRepositories(repo, r, initMessage(RepositoriesPath)); err != nil {
		return Repositories{}, err
	}
	return r, nil
}

// CommitRepositories serialises and commits r to Repositories.toml.
func CommitRepositories(repo *gitrepo.Repository, r Repositories, message string) error {
	return commitEntry(repo, RepositoriesPath, r, message)
}

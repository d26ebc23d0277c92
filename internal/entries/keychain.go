package entries

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/sshkey"
)

// Keychain is the non-empty set of public keys authorised to push to an
// authority repository (and, by extension, to every private repository in
// its namespace).
type Keychain struct {
	Keys []string `toml:"keys"`
}

// Contains reports whether pub is a member of the keychain, comparing
// only by fingerprint so that re-serialised or re-commented encodings of
// the same key still match.
func (k Keychain) Contains(pub ssh.PublicKey) bool {
	want := sshkey.Fingerprint(pub)
	for _, line := range k.Keys {
		parsed, err := sshkey.ParseLine(line)
		if err != nil {
			continue
		}
		if sshkey.Fingerprint(parsed) == want {
			return true
		}
	}
	return false
}

// LoadKeychain reads Keychain.toml from repo's HEAD commit.
func LoadKeychain(repo *gitrepo.Repository) (Keychain, error) {
	var k Keychain
	err := load(repo, KeychainPath, &k)
	return k, err
}

// LoadKeychainAt reads Keychain.toml from an explicit commit.
func LoadKeychainAt(repo *gitrepo.Repository, commit *object.Commit) (Keychain, error) {
	var k Keychain
	err := loadAt(repo, commit, KeychainPath, &k)
	return k, err
}

// LoadOrInitKeychain reads Keychain.toml, or initialises it with exactly
// requester as its sole member and commits it if it does not exist yet.
func LoadOrInitKeychain(repo *gitrepo.Repository, requester ssh.PublicKey) (Keychain, error) {
	k, err := LoadKeychain(repo)
	if err == nil {
		return k, nil
	}
	if !isMissing(err) {
		return Keychain{}, err
	}
	k = Keychain{Keys: []string{sshkey.Format(requester, "")}}
	if err := CommitKeychain(repo, k, initMessage(KeychainPath)); err != nil {
		return Keychain{}, err
	}
	return k, nil
}

// CommitKeychain serialises and commits k to Keychain.toml. Callers must
// ensure k.Keys is non-empty before calling, per the Keychain invariant.
func CommitKeychain(repo *gitrepo.Repository, k Keychain, message string) error {
	if len(k.Keys) == 0 {
		return wrap(KeychainPath, ConfigSer, fmt.Errorf("keychain must not be empty"))
	}
	return commitEntry(repo, KeychainPath, k, message)
}

package authority_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/authority"
	"github.com/nurrl-dev/furrow/internal/entries"
	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/id"
)

func generateKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return sshPub
}

func newBareRepo(t *testing.T, path string) *gitrepo.Repository {
	t.Helper()
	storage := t.TempDir()
	repoID, err := id.Parse(path)
	if err != nil {
		t.Fatalf("id.Parse: %v", err)
	}
	repo, err := gitrepo.Init(storage, repoID)
	if err != nil {
		t.Fatalf("gitrepo.Init: %v", err)
	}
	return repo
}

func TestLoadOrInitGlobalSeedsEverything(t *testing.T) {
	repo := newBareRepo(t, "_.git")
	key := generateKey(t)

	g, err := authority.LoadOrInitGlobal(repo, key)
	if err != nil {
		t.Fatalf("LoadOrInitGlobal: %v", err)
	}
	if g.Global.Registration != entries.Deny {
		t.Fatalf("Registration = %q, want deny", g.Global.Registration)
	}
	if !g.Local.Keychain.Contains(key) {
		t.Fatalf("keychain missing seeding key")
	}
	if len(g.Local.Repositories.Repositories) != 0 {
		t.Fatalf("Repositories = %v, want empty", g.Local.Repositories.Repositories)
	}
}

func TestLoadGlobalAtIsDeterministic(t *testing.T) {
	repo := newBareRepo(t, "_.git")
	key := generateKey(t)

	if _, err := authority.LoadOrInitGlobal(repo, key); err != nil {
		t.Fatalf("LoadOrInitGlobal: %v", err)
	}
	commit, err := repo.HeadCommit()
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}

	g, err := authority.LoadGlobalAt(repo, commit)
	if err != nil {
		t.Fatalf("LoadGlobalAt: %v", err)
	}
	if !g.Local.Keychain.Contains(key) {
		t.Fatalf("keychain at commit missing seeding key")
	}
}

func TestLoadOrInitLocalForNamespace(t *testing.T) {
	repo := newBareRepo(t, "bob/_.git")
	key := generateKey(t)

	local, err := authority.LoadOrInitLocal(repo, key)
	if err != nil {
		t.Fatalf("LoadOrInitLocal: %v", err)
	}
	if !local.Keychain.Contains(key) {
		t.Fatalf("keychain missing seeding key")
	}
}

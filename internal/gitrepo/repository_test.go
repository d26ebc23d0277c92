package gitrepo_test

import (
	"errors"
	"testing"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/id"
)

func mustID(t *testing.T, s string) id.Id {
	t.Helper()
	parsed, err := id.Parse(s)
	if err != nil {
		t.Fatalf("id.Parse(%q): %v", s, err)
	}
	return parsed
}

func TestInitCreatesUnbornBareRepo(t *testing.T) {
	storage := t.TempDir()
	repoID := mustID(t, "_.git")

	repo, err := gitrepo.Init(storage, repoID)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	headName, err := repo.HeadRef()
	if err != nil {
		t.Fatalf("HeadRef: %v", err)
	}
	if headName != "refs/heads/main" {
		t.Fatalf("HeadRef() = %q, want refs/heads/main", headName)
	}

	if _, err := repo.HeadCommit(); err != gitrepo.ErrUnbornBranch {
		t.Fatalf("HeadCommit() err = %v, want ErrUnbornBranch", err)
	}

	empty, err := repo.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("IsEmpty() = false, want true on a freshly init'd repo")
	}
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	storage := t.TempDir()
	repoID := mustID(t, "_.git")

	if _, err := gitrepo.Open(storage, repoID); !errors.Is(err, gitrepo.ErrNotFound) {
		t.Fatalf("Open: err = %v, want ErrNotFound for missing repository", err)
	}
}

func TestCommitWritesBlobAndMovesHead(t *testing.T) {
	storage := t.TempDir()
	repoID := mustID(t, "_.git")

	repo, err := gitrepo.Init(storage, repoID)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	blobHash, err := repo.WriteBlob([]byte(`registration = "deny"` + "\n"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	treeHash, err := repo.UpsertTreeEntry(nil, "Global.toml", blobHash)
	if err != nil {
		t.Fatalf("UpsertTreeEntry: %v", err)
	}
	if _, err := repo.Commit(treeHash, "Initialization of the Global.toml configuration file"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	commit, err := repo.HeadCommit()
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}
	data, err := repo.ReadBlob(commit, "Global.toml")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(data) != `registration = "deny"`+"\n" {
		t.Fatalf("ReadBlob() = %q, unexpected content", data)
	}

	empty, err := repo.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if empty {
		t.Fatalf("IsEmpty() = true after a commit, want false")
	}
}

func TestUpsertTreeEntryReplacesExisting(t *testing.T) {
	storage := t.TempDir()
	repoID := mustID(t, "_.git")
	repo, err := gitrepo.Init(storage, repoID)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	firstBlob, err := repo.WriteBlob([]byte("one"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	treeHash, err := repo.UpsertTreeEntry(nil, "Keychain.toml", firstBlob)
	if err != nil {
		t.Fatalf("UpsertTreeEntry: %v", err)
	}
	if _, err := repo.Commit(treeHash, "first"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	headCommit, err := repo.HeadCommit()
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	secondBlob, err := repo.WriteBlob([]byte("two"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	newTreeHash, err := repo.UpsertTreeEntry(headTree, "Keychain.toml", secondBlob)
	if err != nil {
		t.Fatalf("UpsertTreeEntry: %v", err)
	}
	if _, err := repo.Commit(newTreeHash, "second"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	commit, err := repo.HeadCommit()
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}
	data, err := repo.ReadBlob(commit, "Keychain.toml")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("ReadBlob() = %q, want \"two\"", data)
	}
}

func TestIsAncestorFastForward(t *testing.T) {
	storage := t.TempDir()
	repoID := mustID(t, "_.git")
	repo, err := gitrepo.Init(storage, repoID)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	blob1, _ := repo.WriteBlob([]byte("one"))
	tree1, _ := repo.UpsertTreeEntry(nil, "f", blob1)
	first, err := repo.Commit(tree1, "first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	headCommit, _ := repo.HeadCommit()
	headTree, _ := headCommit.Tree()
	blob2, _ := repo.WriteBlob([]byte("two"))
	tree2, _ := repo.UpsertTreeEntry(headTree, "f", blob2)
	second, err := repo.Commit(tree2, "second")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ok, err := repo.IsAncestor(first, second)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !ok {
		t.Fatalf("IsAncestor(first, second) = false, want true")
	}

	ok, err = repo.IsAncestor(second, first)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if ok {
		t.Fatalf("IsAncestor(second, first) = true, want false")
	}
}

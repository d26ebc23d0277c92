// Package gitrepo wraps the bare repositories under the storage root,
// exposing exactly the git object-database primitives the authority
// entries and service/hook code need: open/init, head ref, commit/tree/blob
// access, ancestor checks, and tree-rewriting commits.
package gitrepo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/nurrl-dev/furrow/internal/id"
)

// DefaultBranch is the branch HEAD points to for every repository this
// daemon creates.
const DefaultBranch = "main"

// AuthorName and AuthorEmail identify the daemon as the author/committer of
// every authority-entry commit it makes.
const (
	AuthorName  = "furrow"
	AuthorEmail = "git@server.commit"
)

// ErrNotFound is returned (or wrapped) when a repository does not yet exist
// at the expected path — the caller's cue to lazily initialise it.
var ErrNotFound = errors.New("gitrepo: repository not found")

// ErrUnbornBranch is returned when HEAD points at a branch with no commits
// yet (a freshly-init'd repository).
var ErrUnbornBranch = errors.New("gitrepo: unborn branch")

// Repository is a handle onto one bare repository under the storage root.
type Repository struct {
	repo *git.Repository
	path string
	id   id.Id
}

// Path returns the on-disk path of the bare repository.
func (r *Repository) Path() string { return r.path }

// Id returns the identifier this handle was opened/created for.
func (r *Repository) Id() id.Id { return r.id }

// Init creates a new bare repository at <storage>/<id>, with HEAD pointing
// symbolically at refs/heads/main (no commits yet: an unborn branch).
func Init(storage string, repoID id.Id) (*Repository, error) {
	path := repoID.ToPath(storage)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("gitrepo: init %s: already exists", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("gitrepo: init %s: %w", path, err)
	}
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(DefaultBranch),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gitrepo: init %s: %w", path, err)
	}
	return &Repository{repo: repo, path: path, id: repoID}, nil
}

// Open opens an existing bare repository at <storage>/<id>, without
// consulting the process environment for git overrides.
func Open(storage string, repoID id.Id) (*Repository, error) {
	path := repoID.ToPath(storage)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("gitrepo: open %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("gitrepo: open %s: %w", path, err)
	}
	fs := osfs.New(path)
	storer := filesystem.NewStorage(fs, nil)
	repo, err := git.Open(storer, fs)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: open %s: %w", path, err)
	}
	return &Repository{repo: repo, path: path, id: repoID}, nil
}

// OpenFromHook opens a repository the same way Open does, but is the
// entry point a hook process uses: hooks run with git's own transactional
// environment variables (GIT_DIR and friends) already pointed at the
// right place by the parent git process, so this constructor exists as a
// distinct, documented call site even though the underlying open is
// identical once the environment is inherited.
func OpenFromHook(storage string, repoID id.Id) (*Repository, error) {
	return Open(storage, repoID)
}

// InitOrOpen opens the repository if present, otherwise initialises it.
func InitOrOpen(storage string, repoID id.Id) (*Repository, error) {
	repo, err := Open(storage, repoID)
	if err == nil {
		return repo, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Init(storage, repoID)
	}
	return nil, err
}

// IsEmpty reports whether the repository has no refs at all.
func (r *Repository) IsEmpty() (bool, error) {
	refs, err := r.repo.References()
	if err != nil {
		return false, err
	}
	empty := true
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name() != plumbing.HEAD {
			empty = false
		}
		return nil
	})
	return empty, err
}

// HeadRef resolves the symbolic HEAD to its target reference name, e.g.
// "refs/heads/main". It does not require HEAD to have a commit yet.
func (r *Repository) HeadRef() (plumbing.ReferenceName, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", err
	}
	if ref.Type() != plumbing.SymbolicReference {
		return ref.Name(), nil
	}
	return ref.Target(), nil
}

// HeadCommit resolves HEAD to its commit object, returning ErrUnbornBranch
// if the branch HEAD points to has no commits yet.
func (r *Repository) HeadCommit() (*object.Commit, error) {
	headName, err := r.HeadRef()
	if err != nil {
		return nil, err
	}
	ref, err := r.repo.Reference(headName, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrUnbornBranch
		}
		return nil, err
	}
	return r.FindCommit(ref.Hash())
}

// FindCommit looks up a commit object by hash.
func (r *Repository) FindCommit(h plumbing.Hash) (*object.Commit, error) {
	c, err := r.repo.CommitObject(h)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("gitrepo: commit %s: %w", h, ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// FindReference looks up a reference by its full name.
func (r *Repository) FindReference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	return r.repo.Reference(name, true)
}

// IsAncestor reports whether old is an ancestor of (or equal to) new —
// the fast-forward test. The zero hash is treated specially by the caller
// (hooks): a zero oldrev is trivially a fast-forward, a zero newrev never is.
func (r *Repository) IsAncestor(oldHash, newHash plumbing.Hash) (bool, error) {
	if oldHash == newHash {
		return true, nil
	}
	oldCommit, err := r.FindCommit(oldHash)
	if err != nil {
		return false, err
	}
	newCommit, err := r.FindCommit(newHash)
	if err != nil {
		return false, err
	}
	return oldCommit.IsAncestor(newCommit)
}

// ReadBlob reads the full content of a path in a commit's tree. The
// storage format here never nests entries in subdirectories, so path is
// always a single flat filename.
func (r *Repository) ReadBlob(commit *object.Commit, path string) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	entry, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("gitrepo: blob %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	reader, err := entry.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// WriteBlob stores data as a loose blob object, returning its hash.
func (r *Repository) WriteBlob(data []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// UpsertTreeEntry rewrites a single flat path within baseTree (or an empty
// tree if baseTree is nil) to point at blobHash, storing and returning the
// new tree's hash. All authority entry paths are single flat filenames, so
// this never needs to recurse into subtrees.
func (r *Repository) UpsertTreeEntry(baseTree *object.Tree, path string, blobHash plumbing.Hash) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	if baseTree != nil {
		entries = append(entries, baseTree.Entries...)
	}
	replaced := false
	for i, e := range entries {
		if e.Name == path {
			entries[i].Hash = blobHash
			entries[i].Mode = filemode.Regular
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, object.TreeEntry{
			Name: path,
			Mode: filemode.Regular,
			Hash: blobHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// Commit creates a commit pointing at treeHash, with parent (if any) set
// to the current HEAD, authored and committed as the daemon identity, and
// moves HEAD's branch to the new commit. If HEAD is unborn, this is the
// branch's first commit.
func (r *Repository) Commit(treeHash plumbing.Hash, message string) (plumbing.Hash, error) {
	headName, err := r.HeadRef()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var parents []plumbing.Hash
	ref, err := r.repo.Reference(headName, true)
	switch {
	case err == nil:
		parents = []plumbing.Hash{ref.Hash()}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// unborn branch: first commit, no parent
	default:
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: AuthorName, Email: AuthorEmail}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	newRef := plumbing.NewHashReference(headName, hash)
	if err := r.repo.Storer.SetReference(newRef); err != nil {
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

// WriteCommit writes a commit object with an explicit parent set, without
// touching any reference. This is the primitive pre-receive testing needs:
// by the time a real pre-receive hook runs, git has already written the
// pushed objects into the repository's quarantine area and hands the hook
// bare oldrev/newrev hashes — the new commit is not necessarily any
// existing ref's descendant yet, so building fixtures via the
// HEAD-chaining Commit method above would not exercise non-fast-forward
// cases correctly.
func (r *Repository) WriteCommit(treeHash plumbing.Hash, parents []plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := object.Signature{Name: AuthorName, Email: AuthorEmail}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// SetReference force-sets a reference, independent of HEAD's auto-chaining
// Commit does. Used by tests to place a ref at an arbitrary commit.
func (r *Repository) SetReference(name plumbing.ReferenceName, hash plumbing.Hash) error {
	return r.repo.Storer.SetReference(plumbing.NewHashReference(name, hash))
}

// Config returns the repository's local config for writers that need to
// set server-owned options (the hook installer's .gitconfig is written
// directly to disk rather than through this, since it lives at the
// storage root, not inside any one repository).
func (r *Repository) Config() (*config.Config, error) {
	return r.repo.Config()
}

// HooksDir returns the path to this repository's hooks/ directory.
func (r *Repository) HooksDir() string {
	return filepath.Join(r.path, "hooks")
}

// Package entries implements the typed TOML-backed accessors for the three
// authority configuration files — Global.toml, Keychain.toml and
// Repositories.toml — that live inside every authority repository's tree.
package entries

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/nurrl-dev/furrow/internal/gitrepo"
)

// Kind classifies why an entry operation failed.
type Kind int

const (
	// Git is an underlying repository error unrelated to codec/encoding.
	Git Kind = iota
	// ConfigSer is a TOML serialisation (encode) failure.
	ConfigSer
	// ConfigDe is a TOML deserialisation (decode) failure, including
	// rejection of unknown fields.
	ConfigDe
	// Utf8 is non-UTF-8 content at the entry's path.
	Utf8
)

// Error wraps an entries failure with the path of the file that failed,
// so a caller always knows which of Global.toml/Keychain.toml/
// Repositories.toml was at fault.
type Error struct {
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("entries: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(path string, kind Kind, err error) *Error {
	return &Error{Path: path, Kind: kind, Err: err}
}

// Paths of the three entry files, relative to an authority repository's
// tree root.
const (
	GlobalPath       = "Global.toml"
	KeychainPath     = "Keychain.toml"
	RepositoriesPath = "Repositories.toml"
)

// decodeStrict decodes v (a pointer) from raw TOML, rejecting non-UTF-8
// content and any field raw does not declare a struct tag for.
func decodeStrict(path string, raw []byte, v any) error {
	if !utf8.Valid(raw) {
		return wrap(path, Utf8, errors.New("content is not valid UTF-8"))
	}
	meta, err := toml.Decode(string(raw), v)
	if err != nil {
		return wrap(path, ConfigDe, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return wrap(path, ConfigDe, fmt.Errorf("unknown fields: %v", undecoded))
	}
	return nil
}

func encodePretty(path string, v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(v); err != nil {
		return nil, wrap(path, ConfigSer, err)
	}
	return buf.Bytes(), nil
}

// loadAt reads path out of commit's tree and decodes it into v.
func loadAt(repo *gitrepo.Repository, commit *object.Commit, path string, v any) error {
	raw, err := repo.ReadBlob(commit, path)
	if err != nil {
		return wrap(path, Git, err)
	}
	return decodeStrict(path, raw, v)
}

// load reads path out of HEAD's tree and decodes it into v.
func load(repo *gitrepo.Repository, path string, v any) error {
	commit, err := repo.HeadCommit()
	if err != nil {
		return wrap(path, Git, err)
	}
	return loadAt(repo, commit, path, v)
}

// commitEntry serialises v to path and writes it as a new commit whose tree is
// HEAD's tree (or an empty tree, for the very first write) with that one
// path rewritten.
func commitEntry(repo *gitrepo.Repository, path string, v any, message string) error {
	raw, err := encodePretty(path, v)
	if err != nil {
		return err
	}
	blobHash, err := repo.WriteBlob(raw)
	if err != nil {
		return wrap(path, Git, err)
	}

	var baseTree *object.Tree
	headCommit, err := repo.HeadCommit()
	switch {
	case err == nil:
		baseTree, err = headCommit.Tree()
		if err != nil {
			return wrap(path, Git, err)
		}
	case errors.Is(err, gitrepo.ErrUnbornBranch):
		baseTree = nil
	default:
		return wrap(path, Git, err)
	}

	treeHash, err := repo.UpsertTreeEntry(baseTree, path, blobHash)
	if err != nil {
		return wrap(path, Git, err)
	}
	if _, err := repo.Commit(treeHash, message); err != nil {
		return wrap(path, Git, err)
	}
	return nil
}

// isMissing reports whether err indicates the entry does not exist yet
// (NotFound at the given path, or an unborn HEAD branch) — the signal to
// fall back to load-or-init.
func isMissing(err error) bool {
	return errors.Is(err, gitrepo.ErrNotFound) || errors.Is(err, gitrepo.ErrUnbornBranch)
}

func initMessage(path string) string {
	return fmt.Sprintf("Initialization of the %s configuration file", path)
}

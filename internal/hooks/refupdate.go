package hooks

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// RefKind classifies a refname for the purposes of branch/tag protection.
type RefKind int

const (
	// Branch is "refs/heads/<name>".
	Branch RefKind = iota
	// Tag is "refs/tags/<name>".
	Tag
	// Bare is any other ref namespace: treated as tag-equivalent
	// (unprotected, no regex check).
	Bare
)

// RefUpdate is one line of pre-receive's stdin: "<oldrev> <newrev> <refname>".
type RefUpdate struct {
	OldRev  plumbing.Hash
	NewRev  plumbing.Hash
	RefName string
}

// IsDelete reports whether this update deletes refname (newrev is zero,
// oldrev is not).
func (u RefUpdate) IsDelete() bool {
	return u.NewRev.IsZero() && !u.OldRev.IsZero()
}

// IsCreate reports whether this update creates refname (oldrev is zero).
func (u RefUpdate) IsCreate() bool {
	return u.OldRev.IsZero()
}

// Kind classifies RefName.
func (u RefUpdate) Kind() (RefKind, string) {
	switch {
	case strings.HasPrefix(u.RefName, "refs/heads/"):
		return Branch, strings.TrimPrefix(u.RefName, "refs/heads/")
	case strings.HasPrefix(u.RefName, "refs/tags/"):
		return Tag, strings.TrimPrefix(u.RefName, "refs/tags/")
	default:
		return Bare, u.RefName
	}
}

// ParseRefUpdates reads pre-receive's stdin format: one "<oldrev> <newrev>
// <refname>" line per updated ref.
func ParseRefUpdates(r io.Reader) ([]RefUpdate, error) {
	var updates []RefUpdate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("hooks: malformed ref-update line: %q", line)
		}
		oldRev := plumbing.NewHash(fields[0])
		newRev := plumbing.NewHash(fields[1])
		updates = append(updates, RefUpdate{OldRev: oldRev, NewRev: newRev, RefName: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hooks: reading ref updates: %w", err)
	}
	return updates, nil
}

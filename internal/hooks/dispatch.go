package hooks

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/nurrl-dev/furrow/internal/authority"
	"github.com/nurrl-dev/furrow/internal/entries"
	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/id"
)

// Dispatcher runs the pre-receive/update/post-receive decision logic
// against one repository, re-opened with the environment the helper's
// transaction left behind (STORAGE_PATH, REPOSITORY_ID).
type Dispatcher struct {
	Storage string
	RepoID  id.Id
	Repo    *gitrepo.Repository
}

// NewDispatcher opens repoID with gitrepo.OpenFromHook, honouring the
// git-provided transactional environment.
func NewDispatcher(storage string, repoID id.Id) (*Dispatcher, error) {
	repo, err := gitrepo.OpenFromHook(storage, repoID)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{Storage: storage, RepoID: repoID, Repo: repo}, nil
}

// PreReceive reads ref updates from r and writes one verdict line per
// rejected or hinted update to w, returning the process's overall exit
// code: 1 if any update was fatally rejected, 0 otherwise (hints do not
// fail the push).
func (d *Dispatcher) PreReceive(r io.Reader, w io.Writer) int {
	updates, err := ParseRefUpdates(r)
	if err != nil {
		Reject("%v", err).Emit(w)
		return 1
	}

	exit := 0
	for _, update := range updates {
		var verdict *Verdict
		var decErr error
		if d.RepoID.Kind() == id.Normal {
			verdict, decErr = d.decideNormal(update)
		} else {
			verdict, decErr = d.decideAuthority(update)
		}
		if decErr != nil {
			Reject("%v", decErr).Emit(w)
			exit = 1
			continue
		}
		if verdict == nil {
			continue
		}
		if code := verdict.Emit(w); code > exit {
			exit = code
		}
	}
	return exit
}

// Update is a pass-through: pre-receive already validated the whole push
// atomically, so update always exits 0.
func (d *Dispatcher) Update() int { return 0 }

// PostReceive prints a success line; it performs no validation.
func (d *Dispatcher) PostReceive(w io.Writer) int {
	fmt.Fprintln(w, "Successfully updated refs :: ✓")
	return 0
}

func (d *Dispatcher) isHeadRef(refName string) (bool, error) {
	head, err := d.Repo.HeadRef()
	if err != nil {
		return false, err
	}
	return string(head) == refName, nil
}

// decideAuthority implements §4.7's authority-target decision tree.
func (d *Dispatcher) decideAuthority(update RefUpdate) (*Verdict, error) {
	isHead, err := d.isHeadRef(update.RefName)
	if err != nil {
		return nil, err
	}
	isDelete := update.IsDelete()

	if isDelete && isHead {
		return Reject("Deletion of %s is not allowed", update.RefName), nil
	}
	if isDelete && !isHead {
		return nil, nil
	}

	isFF, err := d.isFastForward(update)
	if err != nil {
		return nil, err
	}
	if !isFF && isHead {
		return Reject("Non fast-forward updates are disabled on %s", update.RefName), nil
	}

	newRepos, parseErr := d.loadRepositoriesAt(update.NewRev)
	if parseErr != nil {
		if !isHead {
			return RejectHint("%v", parseErr), nil
		}
		return Reject("%v", parseErr), nil
	}

	headRepos, err := d.loadRepositoriesAtHead()
	if err != nil {
		// No HEAD commit yet (first-ever push): nothing was declared,
		// so nothing can have been de-declared.
		return nil, nil
	}

	for name := range headRepos.Repositories {
		if _, stillPresent := newRepos.Repositories[name]; stillPresent {
			continue
		}
		base, err := id.ParseBase(name)
		if err != nil {
			continue
		}
		childID := id.New(d.localNamespace(), id.NewName(base))
		childRepo, err := gitrepo.Open(d.Storage, childID)
		if err != nil {
			if errors.Is(err, gitrepo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		empty, err := childRepo.IsEmpty()
		if err != nil {
			return nil, err
		}
		if !empty {
			return Reject("The repository %s is not empty and cannot be removed from the authority", childID), nil
		}
	}
	return nil, nil
}

// decideNormal implements §4.7's normal-target decision tree.
func (d *Dispatcher) decideNormal(update RefUpdate) (*Verdict, error) {
	authorityRepo, err := gitrepo.Open(d.Storage, d.RepoID.ToAuthority())
	if err != nil {
		return nil, err
	}
	authorityHead, err := authorityRepo.HeadCommit()
	if err != nil {
		return nil, err
	}
	local, err := authority.LoadLocalAt(authorityRepo, authorityHead)
	if err != nil {
		return nil, err
	}
	spec, ok := local.Repositories.Repositories[string(d.RepoID.Repository.Base())]
	if !ok {
		return nil, fmt.Errorf("hooks: repository %s has no declared spec", d.RepoID)
	}

	kind, name := update.Kind()
	switch kind {
	case Branch:
		if spec.Branches != nil {
			if err := rejectIfNoMatch(*spec.Branches, name); err != nil {
				return Reject("%v", err), nil
			}
		}
	case Tag:
		if spec.Tags != nil {
			if err := rejectIfNoMatch(*spec.Tags, name); err != nil {
				return Reject("%v", err), nil
			}
		}
	}

	var refConfig entries.RefConfig
	switch kind {
	case Branch:
		refConfig = spec.RefConfigFor(name)
	default:
		refConfig = entries.Unprotected()
	}

	if update.IsDelete() {
		if !refConfig.AllowDelete {
			return Reject("Deletion is disabled on %s", update.RefName), nil
		}
		return nil, nil
	}

	isFF, err := d.isFastForward(update)
	if err != nil {
		return nil, err
	}
	if !isFF && !refConfig.AllowForce {
		return Reject("Non fast-forward updates are disabled on %s", update.RefName), nil
	}
	return nil, nil
}

func rejectIfNoMatch(pattern, name string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("hooks: invalid ref pattern %q: %w", pattern, err)
	}
	if !re.MatchString(name) {
		return fmt.Errorf("ref name %q does not match the allowed pattern %q", name, pattern)
	}
	return nil
}

func (d *Dispatcher) isFastForward(update RefUpdate) (bool, error) {
	if update.IsCreate() {
		return true, nil
	}
	if update.NewRev.IsZero() {
		return false, nil
	}
	return d.Repo.IsAncestor(update.OldRev, update.NewRev)
}

func (d *Dispatcher) localNamespace() *id.Base {
	if d.RepoID.Kind() == id.GlobalAuthority {
		return nil
	}
	return d.RepoID.Namespace
}

func (d *Dispatcher) loadRepositoriesAt(rev plumbing.Hash) (entries.Repositories, error) {
	commit, err := d.Repo.FindCommit(rev)
	if err != nil {
		return entries.Repositories{}, err
	}
	if d.RepoID.Kind() == id.GlobalAuthority {
		g, err := authority.LoadGlobalAt(d.Repo, commit)
		return g.Local.Repositories, err
	}
	l, err := authority.LoadLocalAt(d.Repo, commit)
	return l.Repositories, err
}

func (d *Dispatcher) loadRepositoriesAtHead() (entries.Repositories, error) {
	commit, err := d.Repo.HeadCommit()
	if err != nil {
		return entries.Repositories{}, err
	}
	if d.RepoID.Kind() == id.GlobalAuthority {
		g, err := authority.LoadGlobalAt(d.Repo, commit)
		return g.Local.Repositories, err
	}
	l, err := authority.LoadLocalAt(d.Repo, commit)
	return l.Repositories, err
}

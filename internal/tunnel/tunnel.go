// Package tunnel implements the per-channel protocol state machine: it
// filters SSH channel requests until an exec arrives, resolves the
// requested repository through the authority chain, and — if allowed —
// spawns the service and streams it against the channel until both ends
// drain, reporting the helper's exit status back to the peer.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/authority"
	"github.com/nurrl-dev/furrow/internal/entries"
	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/hooks"
	"github.com/nurrl-dev/furrow/internal/id"
	"github.com/nurrl-dev/furrow/internal/service"
)

// state is the tunnel's position in AwaitingExec -> Authorising -> Running
// -> Done.
type state int

const (
	awaitingExec state = iota
	authorising
	running
	done
)

// gitProtocolEnv is the only env-request name the tunnel accepts.
const gitProtocolEnv = "GIT_PROTOCOL"

// Tunnel drives one SSH channel from open through exit-status reporting.
// A Tunnel borrows its storage path, gitconfig path and peer key for its
// whole lifetime; none of these are mutated after construction.
type Tunnel struct {
	Storage        string
	GitConfigGlobal string
	Key            ssh.PublicKey
	Channel        ssh.Channel
	Requests       <-chan *ssh.Request
	Log            *log.Logger

	state state
	envs  map[string]string
}

// New constructs a Tunnel ready to Run.
func New(storage, gitConfigGlobal string, key ssh.PublicKey, channel ssh.Channel, requests <-chan *ssh.Request, logger *log.Logger) *Tunnel {
	return &Tunnel{
		Storage:         storage,
		GitConfigGlobal: gitConfigGlobal,
		Key:             key,
		Channel:         channel,
		Requests:        requests,
		Log:             logger,
		state:           awaitingExec,
		envs:            map[string]string{},
	}
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execRequestMsg struct {
	Command string
}

type exitStatusMsg struct {
	Status uint32
}

// Run processes channel requests until the channel closes or an exec
// request has been fully handled (accepted-or-denied, and if accepted,
// run to completion). It never returns an error for per-channel failures:
// those are logged and local, per the tunnel's isolation guarantee.
func (t *Tunnel) Run(ctx context.Context) {
	defer t.Channel.Close()

	for t.state == awaitingExec {
		req, ok := <-t.Requests
		if !ok {
			t.Log.Debug("channel closed before exec")
			return
		}
		switch req.Type {
		case "env":
			if fatal := t.handleEnv(req); fatal {
				t.Log.Error("fatal tunnel error: non-UTF-8 env-request")
				t.state = done
				return
			}
		case "exec":
			t.state = authorising
			t.handleExec(ctx, req)
			return
		default:
			t.Log.Debug("ignoring unsupported channel request", "type", req.Type)
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// handleEnv processes one env-request and reports whether it is a fatal
// tunnel error: non-UTF-8 in either the name or the value (spec.md §4.6)
// terminates the whole tunnel, not just this request.
func (t *Tunnel) handleEnv(req *ssh.Request) (fatal bool) {
	var msg envRequestMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		t.Log.Error("malformed env-request payload", "err", err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return false
	}
	if !utf8.ValidString(msg.Name) || !utf8.ValidString(msg.Value) {
		return true
	}
	if msg.Name != gitProtocolEnv {
		t.Log.Debug("rejecting unsupported env var", "name", msg.Name)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return false
	}
	t.envs[msg.Name] = msg.Value
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	return false
}

func (t *Tunnel) handleExec(ctx context.Context, req *ssh.Request) {
	var msg execRequestMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		t.Log.Error("malformed exec-request payload", "err", err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	svc, err := service.Parse(msg.Command)
	if err != nil {
		t.Log.Warn("illegal service request", "command", msg.Command, "err", err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	allowed, targetRepo, err := t.authorise(svc)
	if err != nil {
		t.Log.Error("authorisation failed", "target", svc.Target(), "err", err)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	if !allowed {
		t.Log.Warn("access denied", "target", svc.Target(), "access", svc.Access())
		// Accept the exec request so git sees a clean protocol
		// exchange, then close the channel without a successful exit
		// status.
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		t.state = done
		return
	}

	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	t.state = running

	if err := hooks.Install(targetRepo); err != nil {
		t.Log.Error("hook install failed", "target", svc.Target(), "err", err)
		return
	}
	t.envs["STORAGE_PATH"] = t.Storage
	t.envs["REPOSITORY_ID"] = svc.Target().String()
	t.envs["GIT_CONFIG_GLOBAL"] = t.GitConfigGlobal

	result, err := svc.Exec(ctx, t.envs, t.Storage, t.Channel, t.Channel)
	if err != nil {
		t.Log.Error("service exec failed", "target", svc.Target(), "err", err)
		return
	}
	if len(result.Stderr) > 0 {
		t.Log.Warn("helper stderr", "target", svc.Target(), "code", result.ExitCode, "stderr", string(result.Stderr))
	}
	t.sendExitStatus(result.ExitCode)
	t.state = done
}

func (t *Tunnel) sendExitStatus(code int) {
	payload := ssh.Marshal(exitStatusMsg{Status: uint32(code)})
	if _, err := t.Channel.SendRequest("exit-status", false, payload); err != nil {
		t.Log.Error("failed to send exit-status", "err", err)
	}
}

// authorise implements §4.6 steps 2-5: it loads-or-inits the global
// authority, conditionally opens-or-inits the requested authority or
// normal repository, and computes whether the peer's key is allowed to
// perform svc.Access() against svc.Target().
func (t *Tunnel) authorise(svc service.Service) (allowed bool, targetRepo *gitrepo.Repository, err error) {
	globalRepo, err := gitrepo.InitOrOpen(t.Storage, id.Authority(nil))
	if err != nil {
		return false, nil, fmt.Errorf("tunnel: open global authority: %w", err)
	}
	globalAuth, err := authority.LoadOrInitGlobal(globalRepo, t.Key)
	if err != nil {
		return false, nil, fmt.Errorf("tunnel: load global authority: %w", err)
	}

	target := svc.Target()

	switch target.Kind() {
	case id.GlobalAuthority:
		allowed = globalAuth.Local.Keychain.Contains(t.Key)
		return allowed, globalRepo, nil

	case id.LocalAuthority:
		selfRegistrationOK := globalAuth.Global.Registration == entries.Allow || globalAuth.Local.Keychain.Contains(t.Key)

		var localRepo *gitrepo.Repository
		if selfRegistrationOK {
			localRepo, err = gitrepo.InitOrOpen(t.Storage, target)
		} else {
			localRepo, err = gitrepo.Open(t.Storage, target)
		}
		if err != nil {
			if errors.Is(err, gitrepo.ErrNotFound) {
				return false, nil, nil
			}
			return false, nil, fmt.Errorf("tunnel: open local authority %s: %w", target, err)
		}

		local, err := authority.LoadOrInitLocal(localRepo, t.Key)
		if err != nil {
			return false, nil, fmt.Errorf("tunnel: load local authority %s: %w", target, err)
		}
		allowed = local.Keychain.Contains(t.Key)
		return allowed, localRepo, nil

	default: // Normal
		authorityRepo, err := gitrepo.Open(t.Storage, target.ToAuthority())
		if err != nil {
			if errors.Is(err, gitrepo.ErrNotFound) {
				return false, nil, nil
			}
			return false, nil, fmt.Errorf("tunnel: open authority for %s: %w", target, err)
		}
		local, err := authority.LoadOrInitLocal(authorityRepo, t.Key)
		if err != nil {
			return false, nil, fmt.Errorf("tunnel: load authority for %s: %w", target, err)
		}
		spec, ok := local.Repositories.Repositories[string(target.Repository.Base())]
		if !ok {
			return false, nil, nil
		}
		switch spec.Visibility {
		case entries.Public:
			allowed = svc.Access() == service.Read || local.Keychain.Contains(t.Key)
		case entries.Archive:
			allowed = svc.Access() == service.Read
		default: // Private
			allowed = local.Keychain.Contains(t.Key)
		}
		if !allowed {
			return false, nil, nil
		}
		targetRepo, err = gitrepo.InitOrOpen(t.Storage, target)
		if err != nil {
			return false, nil, fmt.Errorf("tunnel: open target %s: %w", target, err)
		}
		return true, targetRepo, nil
	}
}

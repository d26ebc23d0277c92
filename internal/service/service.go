// Package service parses the git smart-protocol service command sent as
// an SSH exec request and runs the named git helper process, streaming its
// stdio against the tunnel's channel.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nurrl-dev/furrow/internal/id"
)

// Access classifies whether a Service reads or writes a repository.
type Access int

const (
	// Read is requested by git-upload-pack (fetch/clone).
	Read Access = iota
	// Write is requested by git-receive-pack (push).
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

const (
	uploadPackName  = "git-upload-pack"
	receivePackName = "git-receive-pack"
)

var commandRe = regexp.MustCompile(`^(git-upload-pack|git-receive-pack) '(.+)'$`)

// ErrIllegalCommand is returned when the exec request's command string
// does not match the grammar "git-{upload,receive}-pack '<id>'" exactly.
var ErrIllegalCommand = errors.New("service: illegal service request")

// Service is a parsed service command: which helper to run, against which
// repository.
type Service struct {
	name   string
	target id.Id
}

// Parse parses an exec command string case-sensitively against the grammar
// `"git-upload-pack" SP "'" <id> "'"` / `"git-receive-pack" SP "'" <id> "'"`.
func Parse(command string) (Service, error) {
	m := commandRe.FindStringSubmatch(command)
	if m == nil {
		return Service{}, fmt.Errorf("%w: %q", ErrIllegalCommand, command)
	}
	target, err := id.Parse(m[2])
	if err != nil {
		return Service{}, fmt.Errorf("%w: %v", ErrIllegalCommand, err)
	}
	return Service{name: m[1], target: target}, nil
}

// Target returns the repository Id this service targets.
func (s Service) Target() id.Id { return s.target }

// Access reports whether this service reads or writes its target.
func (s Service) Access() Access {
	if s.name == receivePackName {
		return Write
	}
	return Read
}

func (s Service) String() string {
	return fmt.Sprintf("%s '%s'", s.name, s.target)
}

// Result carries what the tunnel needs to report back through the channel.
type Result struct {
	ExitCode int
	Stderr   []byte
}

// Exec spawns the named git helper against the repository at
// target.ToPath(storage), with a cleared environment carrying only envs
// plus whatever the tunnel has injected (hook/gitconfig vars), and pumps
// bytes between the process and the channel's reader/writer until both
// ends drain. It returns once the child has exited.
func (s Service) Exec(ctx context.Context, envs map[string]string, storage string, r io.Reader, w io.Writer) (Result, error) {
	path := s.target.ToPath(storage)

	var args []string
	switch s.name {
	case uploadPackName:
		args = []string{"--strict", "--timeout=3", path}
	case receivePackName:
		args = []string{path}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrIllegalCommand, s.name)
	}

	cmd := exec.CommandContext(ctx, s.name, args...)
	cmd.Env = buildEnv(envs)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("service: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("service: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("service: start %s: %w", s.name, err)
	}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, copyErr := io.Copy(stdin, r)
		stdin.Close()
		// Child termination before the reader drains closes stdin under
		// us; that is a normal end, not a tunnel-level failure, since the
		// stdout copy has already seen EOF by the time the child exits.
		// Anything else (e.g. a channel read error) is a genuine failure.
		if copyErr != nil && !errors.Is(copyErr, os.ErrClosed) && !errors.Is(copyErr, syscall.EPIPE) {
			return copyErr
		}
		return nil
	})

	g.Go(func() error {
		_, copyErr := io.Copy(w, stdout)
		if copyErr != nil && !errors.Is(copyErr, io.ErrClosedPipe) {
			return copyErr
		}
		return nil
	})

	// cmd.Wait must not run until both pipe copies have finished reading:
	// calling it earlier races the stdout copy against the pipe's closure.
	copyErr := g.Wait()
	waitErr := cmd.Wait()
	if copyErr != nil {
		return Result{}, fmt.Errorf("service: copy %s: %w", s.name, copyErr)
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if waitErr != nil {
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("service: wait %s: %w", s.name, waitErr)
		}
	}

	return Result{ExitCode: exitCode, Stderr: stderr.Bytes()}, nil
}

// buildEnv renders a cleared environment containing only the given
// key/value pairs, in "K=V" form.
func buildEnv(envs map[string]string) []string {
	out := make([]string, 0, len(envs))
	for k, v := range envs {
		out = append(out, k+"="+v)
	}
	return out
}

// IsIllegalCommand reports whether err originates from an unparseable
// exec command string.
func IsIllegalCommand(err error) bool {
	return errors.Is(err, ErrIllegalCommand)
}

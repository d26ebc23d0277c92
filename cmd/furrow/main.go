// Command furrow is the SSH-only git remote daemon: a multi-call binary
// dispatched on argv[0] (or the first positional argument when invoked
// directly) to either the server or one of the three git hooks.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/hooks"
	"github.com/nurrl-dev/furrow/internal/id"
	"github.com/nurrl-dev/furrow/internal/logging"
	"github.com/nurrl-dev/furrow/internal/server"
	"github.com/nurrl-dev/furrow/internal/version"
)

func main() {
	if name, ok := hookName(); ok {
		os.Exit(runHook(name))
	}
	os.Exit(runServer(os.Args[1:]))
}

// hookName recognises a hook invocation by argv[0]'s basename, or (when
// invoked as the plain "furrow" binary) by a hook name in the first
// positional argument, matching spec.md §6's "argv[0] or the first
// positional" rule.
func hookName() (string, bool) {
	base := filepath.Base(os.Args[0])
	if isHook(base) {
		return base, true
	}
	if len(os.Args) > 1 && isHook(os.Args[1]) {
		return os.Args[1], true
	}
	return "", false
}

func isHook(name string) bool {
	for _, h := range hooks.Names {
		if h == name {
			return true
		}
	}
	return false
}

func runHook(name string) int {
	storage := os.Getenv("STORAGE_PATH")
	repoIDRaw := os.Getenv("REPOSITORY_ID")
	if storage == "" || repoIDRaw == "" {
		fmt.Fprintln(os.Stderr, "furrow: STORAGE_PATH and REPOSITORY_ID must be set")
		return 1
	}
	repoID, err := id.Parse(repoIDRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "furrow: invalid REPOSITORY_ID %q: %v\n", repoIDRaw, err)
		return 1
	}
	dispatcher, err := hooks.NewDispatcher(storage, repoID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "furrow: %v\n", err)
		return 1
	}

	switch name {
	case hooks.PreReceive:
		return dispatcher.PreReceive(os.Stdin, os.Stdout)
	case hooks.Update:
		return dispatcher.Update()
	case hooks.PostReceive:
		return dispatcher.PostReceive(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "furrow: unknown hook %q\n", name)
		return 1
	}
}

// cliFlags holds the server-mode flags parsed from argv by hand, in the
// teacher's own manual switch-driven style rather than a flags package.
type cliFlags struct {
	binds    []string
	keypairs []string
	banner   string
	storage  string
	verbose  bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--bind":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--bind requires an address")
			}
			i++
			f.binds = append(f.binds, args[i])
		case strings.HasPrefix(arg, "--bind="):
			f.binds = append(f.binds, strings.TrimPrefix(arg, "--bind="))
		case arg == "--keypair":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--keypair requires a path")
			}
			i++
			f.keypairs = append(f.keypairs, args[i])
		case strings.HasPrefix(arg, "--keypair="):
			f.keypairs = append(f.keypairs, strings.TrimPrefix(arg, "--keypair="))
		case arg == "--banner":
			if i+1 >= len(args) {
				return f, fmt.Errorf("--banner requires text")
			}
			i++
			f.banner = args[i]
		case strings.HasPrefix(arg, "--banner="):
			f.banner = strings.TrimPrefix(arg, "--banner=")
		case arg == "--verbose" || arg == "-v":
			f.verbose = true
		case strings.HasPrefix(arg, "--"):
			return f, fmt.Errorf("unknown flag %q", arg)
		default:
			if f.storage != "" {
				return f, fmt.Errorf("unexpected positional argument %q", arg)
			}
			f.storage = arg
		}
	}
	if f.storage == "" {
		return f, fmt.Errorf("missing <storage> path")
	}
	if len(f.binds) == 0 {
		return f, fmt.Errorf("at least one --bind address is required")
	}
	return f, nil
}

func runServer(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: furrow --bind <addr>[:port]... [--keypair <path>]... [--banner <text>] <storage>\nerror: %v\n", err)
		return 1
	}

	log := logging.Default(flags.verbose)

	if err := os.MkdirAll(flags.storage, 0o755); err != nil {
		log.Error("create storage root", "err", err)
		return 1
	}
	gitConfigPath, err := hooks.PopulateGitConfig(flags.storage)
	if err != nil {
		log.Error("populate gitconfig", "err", err)
		return 1
	}

	hostKeys, err := loadOrGenerateHostKeys(flags.keypairs, flags.storage)
	if err != nil {
		log.Error("load host keys", "err", err)
		return 1
	}

	printBanner(flags.banner)

	srv := &server.Server{
		Binds:           flags.binds,
		HostKeys:        hostKeys,
		ServerVersion:   version.Identification(),
		Storage:         flags.storage,
		GitConfigGlobal: gitConfigPath,
		Log:             log.With("component", "server"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server exited", "err", err)
		return 1
	}
	return 0
}

// loadOrGenerateHostKeys reads a signer from each configured keypair path,
// generating and persisting one ed25519 key under storage when no
// --keypair was given, so the daemon still boots with a stable identity on
// a fresh storage root.
func loadOrGenerateHostKeys(paths []string, storage string) ([]ssh.Signer, error) {
	if len(paths) == 0 {
		paths = []string{filepath.Join(storage, "host_key")}
	}
	signers := make([]ssh.Signer, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read keypair %s: %w", path, err)
			}
			signer, genErr := generateAndPersistKeypair(path)
			if genErr != nil {
				return nil, genErr
			}
			signers = append(signers, signer)
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse keypair %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func generateAndPersistKeypair(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "furrow host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write host key %s: %w", path, err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signer from generated key: %w", err)
	}
	return signer, nil
}

func printBanner(text string) {
	if text == "" {
		return
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Padding(0, 1)
		fmt.Println(style.Render(text))
		return
	}
	fmt.Println(text)
}

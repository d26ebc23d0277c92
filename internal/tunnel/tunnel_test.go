package tunnel_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/authority"
	"github.com/nurrl-dev/furrow/internal/gitrepo"
	"github.com/nurrl-dev/furrow/internal/id"
	"github.com/nurrl-dev/furrow/internal/tunnel"
)

// fakeChannel is a hand-rolled ssh.Channel double: it records every write
// and every SendRequest name so tests can observe what the tunnel did
// without depending on the real SSH mux machinery.
type fakeChannel struct {
	mu       sync.Mutex
	reader   *bytes.Reader
	writes   bytes.Buffer
	closed   bool
	requests []string
}

func newFakeChannel(clientInput []byte) *fakeChannel {
	return &fakeChannel{reader: bytes.NewReader(clientInput)}
}

func (f *fakeChannel) Read(p []byte) (int, error) { return f.reader.Read(p) }

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) CloseWrite() error { return nil }

func (f *fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, name)
	return true, nil
}

func (f *fakeChannel) Stderr() io.ReadWriter { return &bytes.Buffer{} }

func (f *fakeChannel) sawRequest(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == name {
			return true
		}
	}
	return false
}

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

// envRequestPayload mirrors the wire struct the tunnel unmarshals, so tests
// can build env-requests without access to the package's unexported type.
type envRequestPayload struct {
	Name  string
	Value string
}

// execRequestPayload mirrors the tunnel's exec-request wire struct.
type execRequestPayload struct {
	Command string
}

func envRequest(name, value string) *ssh.Request {
	return &ssh.Request{
		Type:    "env",
		Payload: ssh.Marshal(envRequestPayload{Name: name, Value: value}),
	}
}

func execRequest(command string) *ssh.Request {
	return &ssh.Request{
		Type:    "exec",
		Payload: ssh.Marshal(execRequestPayload{Command: command}),
	}
}

func discardLogger() *log.Logger { return log.New(io.Discard) }

// TestEnvRequestIgnoresUnsupportedNameThenReachesExec verifies that an
// env-request for anything other than GIT_PROTOCOL only denies that one
// request — it does not terminate the tunnel — and that the loop still
// reaches and processes the following exec request.
func TestEnvRequestIgnoresUnsupportedNameThenReachesExec(t *testing.T) {
	storage := t.TempDir()

	// Pre-register a distinct owner key so the connecting key below is a
	// deterministic outsider, rather than racing the bootstrap rule that
	// seeds the keychain with whichever key connects first.
	ownerKey := generateKey(t)
	globalRepo, err := gitrepo.Init(storage, id.Authority(nil))
	if err != nil {
		t.Fatalf("gitrepo.Init: %v", err)
	}
	if _, err := authority.LoadOrInitGlobal(globalRepo, ownerKey); err != nil {
		t.Fatalf("LoadOrInitGlobal: %v", err)
	}

	outsiderKey := generateKey(t)
	reqs := make(chan *ssh.Request, 2)
	reqs <- envRequest("LANG", "en_US.UTF-8")
	reqs <- execRequest("git-upload-pack '_.git'")

	channel := newFakeChannel(nil)
	tn := tunnel.New(storage, "", outsiderKey, channel, reqs, discardLogger())
	tn.Run(context.Background())

	if !channel.closed {
		t.Fatal("channel was not closed")
	}
	// The outsider key is denied without a git helper ever running;
	// reaching that decision proves the unsupported env-request did not
	// kill the tunnel before the exec request was read.
	if channel.sawRequest("exit-status") {
		t.Fatal("unexpected exit-status: access should have been denied")
	}
}

// TestEnvRequestFatalOnNonUTF8 verifies spec's "non-UTF-8 in name or value
// is a fatal tunnel error": the tunnel must terminate immediately rather
// than merely deny the one malformed request.
func TestEnvRequestFatalOnNonUTF8(t *testing.T) {
	storage := t.TempDir()
	key := generateKey(t)

	invalidName := string([]byte{0xff, 0xfe, 0xfd})
	reqs := make(chan *ssh.Request, 2)
	reqs <- envRequest(invalidName, "x")
	// This exec request must never be observed: the tunnel should have
	// already returned after the fatal env-request.
	reqs <- execRequest("git-upload-pack '_.git'")

	channel := newFakeChannel(nil)
	tn := tunnel.New(storage, "", key, channel, reqs, discardLogger())

	done := make(chan struct{})
	go func() {
		tn.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a fatal non-UTF-8 env-request")
	}

	if !channel.closed {
		t.Fatal("channel was not closed after a fatal tunnel error")
	}
	if len(reqs) != 1 {
		t.Fatalf("requests channel has %d items buffered, want the exec request left unread", len(reqs))
	}
}

// TestAuthoriseDeniesUnregisteredGlobalAuthorityKey exercises the
// GlobalAuthority branch of authorise (spec.md §4.6 step 2): a key absent
// from the global authority's keychain must be denied, and per the
// "accept, then close without success" design note, no exit-status is
// ever sent.
func TestAuthoriseDeniesUnregisteredGlobalAuthorityKey(t *testing.T) {
	storage := t.TempDir()

	ownerKey := generateKey(t)
	globalRepo, err := gitrepo.Init(storage, id.Authority(nil))
	if err != nil {
		t.Fatalf("gitrepo.Init: %v", err)
	}
	if _, err := authority.LoadOrInitGlobal(globalRepo, ownerKey); err != nil {
		t.Fatalf("LoadOrInitGlobal: %v", err)
	}

	outsiderKey := generateKey(t)
	reqs := make(chan *ssh.Request, 1)
	reqs <- execRequest("git-upload-pack '_.git'")

	channel := newFakeChannel(nil)
	tn := tunnel.New(storage, "", outsiderKey, channel, reqs, discardLogger())
	tn.Run(context.Background())

	if !channel.closed {
		t.Fatal("channel was not closed")
	}
	if channel.sawRequest("exit-status") {
		t.Fatal("unregistered key must not be granted access")
	}
}

// TestAuthoriseAllowsRegisteredGlobalAuthorityKey exercises the allow path
// of the same branch end to end, including the real git-upload-pack
// helper, mirroring service_test.go's own skip-if-unavailable pattern.
func TestAuthoriseAllowsRegisteredGlobalAuthorityKey(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available on PATH")
	}

	storage := t.TempDir()
	ownerKey := generateKey(t)
	globalRepo, err := gitrepo.Init(storage, id.Authority(nil))
	if err != nil {
		t.Fatalf("gitrepo.Init: %v", err)
	}
	if _, err := authority.LoadOrInitGlobal(globalRepo, ownerKey); err != nil {
		t.Fatalf("LoadOrInitGlobal: %v", err)
	}

	reqs := make(chan *ssh.Request, 1)
	reqs <- execRequest("git-upload-pack '_.git'")

	// An immediately-drained reader: the client reads the ref
	// advertisement and disconnects without issuing a request.
	channel := newFakeChannel(nil)
	tn := tunnel.New(storage, "", ownerKey, channel, reqs, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tn.Run(ctx)

	if !channel.sawRequest("exit-status") {
		t.Fatal("registered key should have been allowed and reported an exit-status")
	}
	if channel.writes.Len() == 0 {
		t.Fatal("expected a non-empty ref advertisement on the channel")
	}
}

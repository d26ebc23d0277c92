// Package server implements the connection dispatcher (C9): it listens on
// one or more bind addresses, accepts SSH connections, authenticates with
// publickey only, and fans each connection's channels out to independent
// tunnel.Tunnel instances.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/sshkey"
	"github.com/nurrl-dev/furrow/internal/tunnel"
)

// authRejectInitial and authRejectDelay implement spec's authentication
// throttle: the very first rejected attempt on a connection returns
// immediately; every one after that is held for authRejectDelay before the
// failure is reported, to make credential-stuffing expensive without
// penalising a client's first (possibly offered-but-unwanted) method.
const (
	authRejectInitial = 0 * time.Second
	authRejectDelay   = 3 * time.Second
)

// inactivityTimeout bounds how long a connection may go with no traffic on
// any of its channels before the daemon drops it. idleCheckInterval governs
// how often that idle time is polled; it must stay well under
// inactivityTimeout so the drop happens close to the deadline rather than
// one whole interval late.
const (
	inactivityTimeout = 10 * time.Second
	idleCheckInterval = 2 * time.Second
)

// activity tracks the most recent traffic timestamp across every channel of
// one connection. golang.org/x/crypto/ssh has no built-in idle tracking (the
// Rust original's russh library tracks this for free), so reads/writes on
// each accepted channel touch it directly via activityChannel.
type activity struct {
	lastNano atomic.Int64
}

func newActivity() *activity {
	a := &activity{}
	a.touch()
	return a
}

func (a *activity) touch() {
	a.lastNano.Store(time.Now().UnixNano())
}

func (a *activity) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.lastNano.Load()))
}

// activityChannel wraps an ssh.Channel, touching the shared activity clock
// on every Read and Write so inactivity is measured against real traffic
// rather than just the channel's opening.
type activityChannel struct {
	ssh.Channel
	activity *activity
}

func (c *activityChannel) Read(data []byte) (int, error) {
	n, err := c.Channel.Read(data)
	if n > 0 {
		c.activity.touch()
	}
	return n, err
}

func (c *activityChannel) Write(data []byte) (int, error) {
	n, err := c.Channel.Write(data)
	if n > 0 {
		c.activity.touch()
	}
	return n, err
}

// Server holds everything shared across accepted connections.
type Server struct {
	Binds           []string
	HostKeys        []ssh.Signer
	ServerVersion   string
	Storage         string
	GitConfigGlobal string
	Log             *log.Logger
}

// ListenAndServe listens on every configured bind address and serves
// connections until every accept loop has ended: all of them stop when ctx
// is cancelled, while a listener that fails stops only its own loop. It
// returns the first accept error other than a closed listener, if any.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if len(s.Binds) == 0 {
		return errors.New("server: no bind addresses configured")
	}
	if len(s.HostKeys) == 0 {
		return errors.New("server: no host keys configured")
	}

	config := s.baseServerConfig()

	// Open every listener before spawning any accept loop, so a later bind
	// failure doesn't leave an already-opened listener's accept loop
	// running with nothing left to close it.
	listeners := make([]net.Listener, 0, len(s.Binds))
	for _, addr := range s.Binds {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		s.Log.Info("listening", "addr", addr)
		listeners = append(listeners, ln)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(listeners))
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			errs <- s.acceptLoop(ctx, ln, config)
		}(ln)

		go func(ln net.Listener) {
			<-ctx.Done()
			ln.Close()
		}(ln)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, config *ssh.ServerConfig) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn, config)
	}
}

func (s *Server) baseServerConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{ServerVersion: s.ServerVersion}
	for _, key := range s.HostKeys {
		config.AddHostKey(key)
	}
	return config
}

// connAuth builds per-connection auth state: the publickey callback accepts
// any presented key (authorisation is deferred to the tunnel, spec §4.6)
// while recording it for later tunnels on this connection, and throttles
// rejected attempts per spec's 0s/3s schedule.
func connAuth(config *ssh.ServerConfig, connLog *log.Logger) (*ssh.ServerConfig, *capturedKey) {
	clone := *config
	captured := &capturedKey{}
	attempts := 0
	var mu sync.Mutex
	clone.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		captured.set(key)
		return &ssh.Permissions{
			Extensions: map[string]string{"pubkey-fp": sshkey.Fingerprint(key)},
		}, nil
	}
	clone.AuthLogCallback = func(meta ssh.ConnMetadata, method string, err error) {
		if err == nil {
			return
		}
		connLog.Debug("auth attempt rejected", "method", method, "err", err)
		mu.Lock()
		n := attempts
		attempts++
		mu.Unlock()
		if n == 0 {
			time.Sleep(authRejectInitial)
		} else {
			time.Sleep(authRejectDelay)
		}
	}
	return &clone, captured
}

// capturedKey holds the most recently presented public key for a connection,
// safe for the auth callback (handshake goroutine) to write and the channel
// loop to read once the handshake has completed.
type capturedKey struct {
	mu  sync.Mutex
	key ssh.PublicKey
}

func (c *capturedKey) set(key ssh.PublicKey) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

func (c *capturedKey) get() ssh.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	connID := uuid.NewString()
	connLog := s.Log.With("component", "server", "conn", connID, "remote", conn.RemoteAddr())

	perConnConfig, captured := connAuth(config, connLog)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, perConnConfig)
	if err != nil {
		connLog.Debug("handshake failed", "err", err)
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	connLog.Info("connection established", "key", sshConn.Permissions.Extensions["pubkey-fp"])

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sshConn.Wait()
		cancel()
	}()

	pubKey := captured.get()
	act := newActivity()

	idleTicker := time.NewTicker(idleCheckInterval)
	defer idleTicker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case newChan, ok := <-chans:
			if !ok {
				wg.Wait()
				return
			}
			act.touch()
			if newChan.ChannelType() != "session" {
				_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
				continue
			}
			channel, requests, err := newChan.Accept()
			if err != nil {
				connLog.Warn("channel accept failed", "err", err)
				continue
			}
			tracked := &activityChannel{Channel: channel, activity: act}
			chanLog := connLog.With("chan", uuid.NewString())
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := tunnel.New(s.Storage, s.GitConfigGlobal, pubKey, tracked, requests, chanLog)
				t.Run(connCtx)
			}()
		case <-connCtx.Done():
			wg.Wait()
			return
		case <-idleTicker.C:
			if act.idleFor() >= inactivityTimeout {
				connLog.Debug("inactivity timeout", "idle", act.idleFor())
				cancel()
			}
		}
	}
}


package sshkey_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/nurrl-dev/furrow/internal/sshkey"
)

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

func TestFingerprintStableAcrossEncodings(t *testing.T) {
	pub := generateKey(t)

	plain := sshkey.Format(pub, "")
	commented := sshkey.Format(pub, "alice@example.com")

	parsedPlain, err := sshkey.ParseLine(plain)
	if err != nil {
		t.Fatalf("ParseLine(plain): %v", err)
	}
	parsedCommented, err := sshkey.ParseLine(commented)
	if err != nil {
		t.Fatalf("ParseLine(commented): %v", err)
	}

	if sshkey.Fingerprint(parsedPlain) != sshkey.Fingerprint(parsedCommented) {
		t.Fatalf("fingerprints differ across trailing-comment encodings")
	}
	if sshkey.Fingerprint(pub) != sshkey.Fingerprint(parsedPlain) {
		t.Fatalf("fingerprint changed across format/parse round-trip")
	}
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"rsa-sha2-256": "ssh-rsa",
		"rsa-sha2-512": "ssh-rsa",
		"ssh-ed25519":  "ssh-ed25519",
	}
	for in, want := range cases {
		if got := sshkey.NormalizeType(in); got != want {
			t.Fatalf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

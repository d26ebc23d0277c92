// Package sshkey normalises and fingerprints SSH public keys for the
// keychain comparisons used throughout the authority model.
package sshkey

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// NormalizeType canonicalises an SSH public key algorithm name for display
// purposes: the RSA signature-scheme variants negotiated during auth
// ("rsa-sha2-256", "rsa-sha2-512") are folded back to "ssh-rsa", since
// they name the same key under a different signature subformat.
func NormalizeType(algo string) string {
	switch algo {
	case "rsa-sha2-256", "rsa-sha2-512":
		return ssh.KeyAlgoRSA
	default:
		return algo
	}
}

// Fingerprint returns the stable SHA256 fingerprint used for all keychain
// membership comparisons, so that two differently-encoded serialisations
// of the same key (trailing comment, whitespace, RSA subformat) compare
// equal.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

// Format renders pub as an authorized_keys-style line, with its algorithm
// name normalised and an optional trailing comment.
func Format(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	fields := strings.SplitN(line, " ", 2)
	if len(fields) == 2 {
		line = NormalizeType(fields[0]) + " " + fields[1]
	}
	if comment != "" {
		line = line + " " + comment
	}
	return line
}

// ParseLine parses a single authorized_keys-style line (as stored in
// Keychain.toml) into an ssh.PublicKey, ignoring any trailing comment.
func ParseLine(line string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, fmt.Errorf("sshkey: parse %q: %w", line, err)
	}
	return pub, nil
}

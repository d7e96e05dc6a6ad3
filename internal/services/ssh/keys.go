package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// keyComment is appended to authorized_keys entries added for loopback access.
const keyComment = "gorsnapshot-loopback"

// ProvisionLoopbackKey makes the local account reachable over SSH with the
// identity at identityFile. The key pair is generated if missing, and its
// public half is appended to authorizedKeys unless already present.
// It reports whether authorizedKeys was modified.
func ProvisionLoopbackKey(identityFile, authorizedKeys string) (bool, error) {
	pub, err := ensureIdentity(identityFile)
	if err != nil {
		return false, err
	}

	existing, err := os.ReadFile(authorizedKeys)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("reading %s: %w", authorizedKeys, err)
	}
	if hasAuthorizedKey(existing, pub) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(authorizedKeys), 0o700); err != nil {
		return false, fmt.Errorf("creating %s: %w", filepath.Dir(authorizedKeys), err)
	}

	f, err := os.OpenFile(authorizedKeys, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", authorizedKeys, err)
	}
	defer f.Close()

	line := authorizedLine(pub)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		line = append([]byte("\n"), line...)
	}
	if _, err := f.Write(line); err != nil {
		return false, fmt.Errorf("writing %s: %w", authorizedKeys, err)
	}

	return true, nil
}

// ensureIdentity loads the private key at path, generating an ed25519 pair
// when the file does not exist, and returns its public key.
func ensureIdentity(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return signer.PublicKey(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, fmt.Errorf("encoding identity: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity %s: %w", path, err)
	}
	if err := os.WriteFile(path+".pub", authorizedLine(sshPub), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key %s.pub: %w", path, err)
	}

	return sshPub, nil
}

func authorizedLine(pub ssh.PublicKey) []byte {
	line := bytes.TrimSuffix(ssh.MarshalAuthorizedKey(pub), []byte("\n"))
	return append(line, []byte(" "+keyComment+"\n")...)
}

// hasAuthorizedKey reports whether data contains an entry for pub, ignoring
// options and comments.
func hasAuthorizedKey(data []byte, pub ssh.PublicKey) bool {
	want := pub.Marshal()
	rest := data
	for len(rest) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if bytes.Equal(key.Marshal(), want) {
			return true
		}
		rest = next
	}
	return false
}

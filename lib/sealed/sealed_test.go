// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	ciphertext, err := Encrypt([]byte("webdav-password"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer plaintext.Close()

	if got := plaintext.String(); got != "webdav-password" {
		t.Errorf("decrypted %q, want %q", got, "webdav-password")
	}
}

func TestEncryptToMultipleRecipients(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer first.Close()
	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer second.Close()

	ciphertext, err := Encrypt([]byte("shared"), []string{first.PublicKey, second.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for name, keypair := range map[string]*Keypair{"first": first, "second": second} {
		plaintext, err := Decrypt(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Decrypt with %s key: %v", name, err)
		}
		if got := plaintext.String(); got != "shared" {
			t.Errorf("%s key decrypted %q, want %q", name, got, "shared")
		}
		plaintext.Close()
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()
	intruder, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer intruder.Close()

	ciphertext, err := Encrypt([]byte("private"), []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(ciphertext, intruder.PrivateKey); err == nil {
		t.Error("Decrypt with wrong key succeeded, want error")
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey(valid) = %v, want nil", err)
	}
	if err := ParsePublicKey("ssh-ed25519 AAAA"); err == nil {
		t.Error("ParsePublicKey(ssh key) = nil, want error")
	}
	if err := ParsePublicKey("age1notakey"); err == nil {
		t.Error("ParsePublicKey(malformed) = nil, want error")
	}
}

func TestEncryptRequiresRecipient(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil); err == nil {
		t.Error("Encrypt with no recipients succeeded, want error")
	}
}

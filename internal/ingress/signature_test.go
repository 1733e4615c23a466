package ingress

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func chatKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(publicKey), privateKey
}

func signChat(privateKey ed25519.PrivateKey, timestamp string, body []byte) string {
	message := append([]byte(timestamp), body...)
	return hex.EncodeToString(ed25519.Sign(privateKey, message))
}

func TestVerifyChatSignatureValid(t *testing.T) {
	publicKeyHex, privateKey := chatKeyPair(t)
	body := []byte(`{"type":1}`)
	timestamp := "1700000000"
	signature := signChat(privateKey, timestamp, body)

	if !VerifyChatSignature(publicKeyHex, signature, timestamp, body) {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestVerifyChatSignatureMutations(t *testing.T) {
	publicKeyHex, privateKey := chatKeyPair(t)
	body := []byte(`{"type":2,"data":{"name":"deploy"}}`)
	timestamp := "1700000000"
	signature := signChat(privateKey, timestamp, body)

	cases := []struct {
		name      string
		publicKey string
		signature string
		timestamp string
		body      []byte
	}{
		{"empty signature", publicKeyHex, "", timestamp, body},
		{"empty timestamp", publicKeyHex, signature, "", body},
		{"non-hex signature", publicKeyHex, "zz" + signature[2:], timestamp, body},
		{"truncated signature", publicKeyHex, signature[:32], timestamp, body},
		{"mutated body", publicKeyHex, signature, timestamp, append([]byte("x"), body...)},
		{"mutated timestamp", publicKeyHex, signature, timestamp + "1", body},
		{"wrong key", "ab" + publicKeyHex[2:], signature, timestamp, body},
		{"short key", publicKeyHex[:16], signature, timestamp, body},
	}
	for _, tc := range cases {
		if VerifyChatSignature(tc.publicKey, tc.signature, tc.timestamp, tc.body) {
			t.Fatalf("%s: expected verification to fail", tc.name)
		}
	}
}

func TestVerifyChatSignatureFuzzedBodies(t *testing.T) {
	publicKeyHex, privateKey := chatKeyPair(t)
	body := []byte(`{"type":2}`)
	timestamp := "1700000000"
	signature := signChat(privateKey, timestamp, body)

	// Flip one byte at a time; no mutation may verify.
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if VerifyChatSignature(publicKeyHex, signature, timestamp, mutated) {
			t.Fatalf("mutated body at byte %d verified", i)
		}
	}
}

func vcsSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyVCSSignatureValid(t *testing.T) {
	secret := "shared-secret"
	body := []byte(`{"action":"completed"}`)
	if !VerifyVCSSignature(secret, vcsSign(secret, body), body) {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestVerifyVCSSignatureMutations(t *testing.T) {
	secret := "shared-secret"
	body := []byte(`{"action":"completed"}`)
	valid := vcsSign(secret, body)

	cases := []struct {
		name   string
		secret string
		header string
		body   []byte
	}{
		{"empty secret", "", valid, body},
		{"missing prefix", secret, "sha1=deadbeef", body},
		{"empty header", secret, "", body},
		{"non-hex digest", secret, "sha256=not-hex!", body},
		{"wrong secret", "other-secret", valid, body},
		{"mutated body", secret, valid, append([]byte(nil), append(body, '!')...)},
	}
	for _, tc := range cases {
		if VerifyVCSSignature(tc.secret, tc.header, tc.body) {
			t.Fatalf("%s: expected verification to fail", tc.name)
		}
	}
}

package ingress

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	chatSignatureHeader = "X-Signature-Ed25519"
	chatTimestampHeader = "X-Signature-Timestamp"
	vcsSignatureHeader  = "X-Hub-Signature-256"
	vcsEventHeader      = "X-Event-Type"
)

// VerifyChatSignature checks the chat platform's Ed25519 signature over
// timestamp||body. Any malformed or missing input verifies false; the caller
// must not touch the payload afterwards.
func VerifyChatSignature(publicKeyHex string, signatureHex string, timestamp string, body []byte) bool {
	publicKey, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	signature, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	if timestamp == "" {
		return false
	}
	message := make([]byte, 0, len(timestamp)+len(body))
	message = append(message, []byte(timestamp)...)
	message = append(message, body...)
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// VerifyVCSSignature checks the VCS platform's HMAC-SHA256 signature of the
// raw body. Comparison is constant time.
func VerifyVCSSignature(secret string, signatureHeader string, body []byte) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	signatureHeader = strings.TrimSpace(signatureHeader)
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

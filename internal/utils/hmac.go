package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// SignHMAC creates a base64 HMAC-SHA256 signature for a message
func SignHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifyHMAC verifies a base64 HMAC signature against a message.
// Uses constant-time comparison to prevent timing attacks.
func VerifyHMAC(message, signature, secret string) bool {
	expectedMAC := SignHMAC(message, secret)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedMAC)) == 1
}

// SignHMACHex creates a hex HMAC-SHA256 signature over raw bytes. Razorpay
// signs webhook bodies and payment callbacks in this encoding.
func SignHMACHex(message []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(message)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMACHex verifies a hex HMAC signature over raw bytes. The caller
// must pass the exact bytes that were signed; re-serializing a parsed
// payload changes field order and whitespace and breaks verification.
func VerifyHMACHex(message []byte, signature, secret string) bool {
	expectedMAC := SignHMACHex(message, secret)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedMAC)) == 1
}

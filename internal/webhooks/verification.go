package webhooks

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 - some senders still sign with SHA1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

type signer struct {
	prefix  string
	newHash func() hash.Hash
}

// signers maps a verification type to its digest. The prefix is the
// label senders put in front of the digest, as in "sha256=<hex>".
var signers = map[string]signer{
	"hmac-sha1":   {prefix: "sha1", newHash: sha1.New},
	"hmac-sha256": {prefix: "sha256", newHash: sha256.New},
	"hmac-sha512": {prefix: "sha512", newHash: sha512.New},
}

// VerificationResult is the outcome of checking one request signature.
type VerificationResult struct {
	Valid  bool
	Error  string
	Method string
}

func rejected(method, format string, args ...any) *VerificationResult {
	return &VerificationResult{Method: method, Error: fmt.Sprintf(format, args...)}
}

// VerifySignature checks signature against an HMAC of body keyed by the
// endpoint secret. The signature may be bare or labelled with its
// algorithm, and the digest may be hex or base64 encoded. A nil
// verification accepts everything.
func VerifySignature(v *Verification, body []byte, signature string) *VerificationResult {
	if v == nil {
		return &VerificationResult{Valid: true, Method: "none"}
	}
	s, ok := signers[v.Type]
	if !ok {
		return rejected(v.Type, "unsupported verification type: %s", v.Type)
	}

	digest := strings.TrimSpace(signature)
	if label, rest, found := strings.Cut(digest, "="); found && isLabel(label) {
		if !strings.EqualFold(label, s.prefix) {
			return rejected(v.Type, "signature algorithm %q does not match %s", label, v.Type)
		}
		digest = rest
	}

	got, err := decodeDigest(digest, s.newHash().Size())
	if err != nil {
		return rejected(v.Type, "invalid signature format: %v", err)
	}

	mac := hmac.New(s.newHash, []byte(v.Secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return rejected(v.Type, "signature mismatch")
	}
	return &VerificationResult{Valid: true, Method: v.Type}
}

// isLabel reports whether s looks like an algorithm label rather than the
// start of a base64 digest.
func isLabel(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) <= 8
}

func decodeDigest(s string, size int) ([]byte, error) {
	if len(s) == hex.EncodedLen(size) {
		return hex.DecodeString(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == size {
		return b, nil
	}
	return nil, fmt.Errorf("expected %d byte digest in hex or base64", size)
}

// ExtractSignature returns the value of the named header, matching the
// name case-insensitively.
func ExtractSignature(headers map[string]string, name string) string {
	if sig, ok := headers[name]; ok {
		return sig
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// SupportedVerification reports whether typ names a known algorithm.
func SupportedVerification(typ string) bool {
	_, ok := signers[typ]
	return ok
}

package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// Deterministic per-recipient tokens. Every token is a pure function of
// (campaign, recipient) so re-rendering the same message yields identical
// output and tracking stays stable across retries.

func tokenHash(prefix, campaignID, email string) []byte {
	sum := sha256.Sum256([]byte(prefix + "|" + campaignID + "|" + email))
	return sum[:]
}

// MessageToken is the opaque first segment of the Message-ID.
func MessageToken(campaignID, email string) string {
	raw := tokenHash("mid", campaignID, email)
	return base64.RawURLEncoding.EncodeToString(raw[:12])
}

// IDNum is a six-digit numeric token for templates.
func IDNum(campaignID, email string) string {
	raw := tokenHash("num", campaignID, email)
	n := binary.BigEndian.Uint32(raw[:4]) % 1_000_000
	return fmt.Sprintf("%06d", n)
}

// IDMix is a twelve-character mixed alphanumeric token.
func IDMix(campaignID, email string) string {
	raw := tokenHash("mix", campaignID, email)
	s := base64.RawURLEncoding.EncodeToString(raw[:9])
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

var b32Lower = base32.StdEncoding.WithPadding(base32.NoPadding)

// TrackingCode is a sixteen-character lowercase base32 token.
func TrackingCode(campaignID, email string) string {
	raw := tokenHash("trk", campaignID, email)
	s := strings.ToLower(b32Lower.EncodeToString(raw[:10]))
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}

// UnsubToken signs an address for one-click unsubscribe links. The token is
// "<base64url(email)>.<base64url(hmac)>".
func UnsubToken(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + sig
}

// VerifyUnsubToken recovers the address from a token, rejecting bad
// signatures.
func VerifyUnsubToken(secret, token string) (string, bool) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	email := string(raw)
	expected := UnsubToken(secret, email)
	if hmac.Equal([]byte(expected), []byte(token)) {
		return email, true
	}
	return "", false
}

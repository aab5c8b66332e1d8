package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var errBadSignature = errors.New("invalid webhook signature")

// verifyHMAC checks a hex HMAC-SHA256 signature, with or without the
// "sha256=" prefix used by Meta.
func verifyHMAC(body []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(computed))
}

// jidUser strips the server part of a WhatsApp JID ("5511...@c.us" -> "5511...").
func jidUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// imageCaption renders an image-with-caption message as text.
func imageCaption(caption string) string {
	return "[Image] " + strings.TrimSpace(caption)
}

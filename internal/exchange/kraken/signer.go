package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"strings"

	"kraken-mcp-trader/internal/core"
)

const secretLen = 64

// Signer computes the API-Sign header. The decoded secret is held as bytes so it
// can be wiped on shutdown.
type Signer struct {
	secret []byte
}

func NewSigner(secretB64 string) (*Signer, error) {
	secretB64 = strings.TrimSpace(secretB64)
	if secretB64 == "" {
		return nil, core.ConfigurationError("api secret is empty", nil)
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, core.ConfigurationError("api secret is not valid base64", nil)
	}
	if len(secret) != secretLen {
		return nil, core.ConfigurationError("api secret must decode to "+strconv.Itoa(secretLen)+" bytes", nil)
	}
	return &Signer{secret: secret}, nil
}

// Sign returns base64(HMAC-SHA512(secret, path + SHA256(nonce + body))). body is
// the url-encoded form and must already contain the nonce field.
func (s *Signer) Sign(path string, nonce uint64, body string) string {
	digest := sha256.Sum256([]byte(strconv.FormatUint(nonce, 10) + body))
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
}

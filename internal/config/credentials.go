package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"kraken-mcp-trader/internal/core"
)

const (
	EnvAPIKey    = "KRAKEN_API_KEY"
	EnvAPISecret = "KRAKEN_API_SECRET"

	redacted = "[REDACTED]"
)

// Credentials hold the Kraken API key pair. Formatting never reveals either value.
type Credentials struct {
	key    string
	secret string
}

func NewCredentials(key, secret string) (Credentials, error) {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	if key == "" || secret == "" {
		return Credentials{}, core.ConfigurationError(EnvAPIKey+" and "+EnvAPISecret+" are required", nil)
	}
	return Credentials{key: key, secret: secret}, nil
}

// LoadCredentials reads the key pair from the environment after loading envFile,
// when it exists. Variables already set in the environment win over the file.
func LoadCredentials(envFile string) (Credentials, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return Credentials{}, core.ConfigurationError("cannot read env file", errors.Wrapf(err, "load %s", envFile))
		}
	}
	return NewCredentials(os.Getenv(EnvAPIKey), os.Getenv(EnvAPISecret))
}

func (c Credentials) APIKey() string { return c.key }

func (c Credentials) Secret() string { return c.secret }

func (c Credentials) IsZero() bool { return c.key == "" }

// Fingerprint identifies the key without exposing it; used to scope local state.
func (c Credentials) Fingerprint() string {
	if c.key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.key))
	return hex.EncodeToString(sum[:6])
}

func (c Credentials) String() string { return redacted }

func (c Credentials) GoString() string { return "config.Credentials{" + redacted + "}" }

func (c Credentials) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (c Credentials) MarshalYAML() (interface{}, error) { return redacted, nil }

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func noEnv(string) string { return "" }

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
instance_id: Desk-1
`)

	cfg, err := load(cfgPath, noEnv)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.InstanceID != "desk-1" {
		t.Fatalf("instance_id = %q, want desk-1", cfg.InstanceID)
	}
	if cfg.Exchange.RestBaseURL != DefaultRestBaseURL {
		t.Fatalf("exchange.rest_base_url = %q, want %q", cfg.Exchange.RestBaseURL, DefaultRestBaseURL)
	}
	if len(cfg.Trading.Pairs) != 2 || cfg.Trading.Pairs[0].Pair != "XBT/USD" || cfg.Trading.Pairs[1].Pair != "ETH/USD" {
		t.Fatalf("trading.pairs = %+v, want XBT/USD and ETH/USD", cfg.Trading.Pairs)
	}
	if cfg.Trading.PricePrecision != 2 || cfg.Trading.VolumePrecision != 8 {
		t.Fatalf("precision = %d/%d, want 2/8", cfg.Trading.PricePrecision, cfg.Trading.VolumePrecision)
	}
	if cfg.Trading.ConfirmAmbiguous == nil || !*cfg.Trading.ConfirmAmbiguous {
		t.Fatalf("trading.confirm_ambiguous = %v, want true", cfg.Trading.ConfirmAmbiguous)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelayMs != 4000 || cfg.Retry.MaxDelayMs != 10000 {
		t.Fatalf("retry = %+v, want 3 attempts 4000..10000ms", cfg.Retry)
	}
	if cfg.Retry.Jitter == nil || *cfg.Retry.Jitter != 0.2 {
		t.Fatalf("retry.jitter = %v, want 0.2", cfg.Retry.Jitter)
	}
	if cfg.RateLimit.Private.Capacity != 15 || cfg.RateLimit.Private.RefillPerSec != 1 {
		t.Fatalf("rate_limit.private = %+v, want 15 @ 1/s", cfg.RateLimit.Private)
	}
	if cfg.Cost(OpAddOrder) != 2 || cfg.Cost(OpBalance) != 1 {
		t.Fatalf("costs = %v, want AddOrder=2 Balance=1", cfg.RateLimit.Costs)
	}
	if cfg.Server.Transport != TransportStdio || cfg.Server.MCPAddr != ":8765" {
		t.Fatalf("server = %+v, want stdio on :8765", cfg.Server)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := load("", noEnv)
	if err != nil {
		t.Fatalf("load(\"\") error = %v", err)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
}

func TestLoadPairRulesUseOverrides(t *testing.T) {
	cfgPath := writeTempConfig(t, `
trading:
  price_precision: 3
  default_order_size: 0.01
  max_open_orders: 5
  pairs:
    - pair: xbt/usd
      price_precision: 1
      min_volume: "0.0001"
    - pair: ETH/USD
      volume_precision: 0
`)

	cfg, err := load(cfgPath, noEnv)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	rules := cfg.PairRules()
	if len(rules) != 2 {
		t.Fatalf("PairRules() len = %d, want 2", len(rules))
	}
	if rules[0].Pair != "XBT/USD" || rules[0].PricePrecision != 1 || rules[0].VolumePrecision != 8 {
		t.Fatalf("rules[0] = %+v, want XBT/USD price=1 volume=8", rules[0])
	}
	if !rules[0].MinVolume.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("rules[0].min_volume = %s, want 0.0001", rules[0].MinVolume)
	}
	if rules[1].PricePrecision != 3 || rules[1].VolumePrecision != 0 {
		t.Fatalf("rules[1] = %+v, want price=3 volume=0", rules[1])
	}
	if !cfg.Trading.DefaultOrderSize.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("default_order_size = %s, want 0.01", cfg.Trading.DefaultOrderSize)
	}
	if cfg.Trading.MaxOpenOrders != 5 {
		t.Fatalf("max_open_orders = %d, want 5", cfg.Trading.MaxOpenOrders)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfgPath := writeTempConfig(t, `
server:
  mcp_addr: ":9000"
logging:
  level: warn
`)
	env := map[string]string{EnvMCPPort: "7777", EnvDebugMode: "true", EnvAuthToken: " s3cret "}
	cfg, err := load(cfgPath, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Server.MCPAddr != ":7777" {
		t.Fatalf("server.mcp_addr = %q, want :7777", cfg.Server.MCPAddr)
	}
	if !cfg.Logging.Debug {
		t.Fatalf("logging.debug = false, want true from %s", EnvDebugMode)
	}
	if cfg.Server.AuthToken != "s3cret" {
		t.Fatalf("server.auth_token = %q, want trimmed env value", cfg.Server.AuthToken)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "mode: live\n", "field mode not found"},
		{"bad pair", "trading:\n  pairs:\n    - pair: XBTUSD\n", "must look like BASE/QUOTE"},
		{"duplicate pair", "trading:\n  pairs:\n    - pair: XBT/USD\n    - pair: xbt/usd\n", "listed twice"},
		{"negative max open", "trading:\n  max_open_orders: -1\n", "max_open_orders"},
		{"jitter too large", "retry:\n  jitter: 0.9\n", "retry.jitter"},
		{"delay order", "retry:\n  base_delay_ms: 5000\n  max_delay_ms: 1000\n", "retry delays"},
		{"unknown cost", "rate_limit:\n  costs:\n    Withdraw: 1\n", "unknown operation"},
		{"cost above capacity", "rate_limit:\n  private:\n    capacity: 1\n", "costs.AddOrder"},
		{"transport", "server:\n  transport: grpc\n", "server.transport"},
		{"telegram token", "observability:\n  telegram:\n    enabled: true\n", "bot_token is required"},
		{"bad url", "exchange:\n  rest_base_url: ftp://api.kraken.com\n", "scheme must be http or https"},
		{"negative decimal", "trading:\n  default_order_size: \"-1\"\n", "default_order_size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(writeTempConfig(t, tc.body), noEnv)
			if err == nil {
				t.Fatalf("load() error = nil, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("load() error = %q, want contains %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := load(writeTempConfig(t, "instance_id: a\n---\ninstance_id: b\n"), noEnv)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("load() error = %v, want single document error", err)
	}
}

func TestCredentialsNeverFormatSecrets(t *testing.T) {
	creds, err := NewCredentials("my-key", "c2VjcmV0")
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	data, err := json.Marshal(struct {
		Creds Credentials `json:"creds"`
	}{creds})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	for _, out := range []string{fmt.Sprint(creds), fmt.Sprintf("%+v", creds), fmt.Sprintf("%#v", creds), string(data)} {
		if strings.Contains(out, "my-key") || strings.Contains(out, "c2VjcmV0") {
			t.Fatalf("formatted credentials leak a secret: %s", out)
		}
	}
	if creds.APIKey() != "my-key" || creds.Secret() != "c2VjcmV0" {
		t.Fatalf("accessors returned wrong values")
	}
	if fp := creds.Fingerprint(); len(fp) != 12 || strings.Contains(fp, "my-key") {
		t.Fatalf("Fingerprint() = %q, want 12 hex chars", fp)
	}
}

func TestLoadCredentialsFromEnvFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	os.Unsetenv(EnvAPIKey)
	os.Unsetenv(EnvAPISecret)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(EnvAPIKey+"=file-key\n"+EnvAPISecret+"=file-secret\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.APIKey() != "file-key" || creds.Secret() != "file-secret" {
		t.Fatalf("credentials not loaded from env file")
	}
}

func TestLoadCredentialsMissing(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "configuration_error") {
		t.Fatalf("LoadCredentials() error = %v, want configuration_error", err)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}

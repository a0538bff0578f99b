package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"kraken-mcp-trader/internal/core"
)

type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportWebSocket Transport = "websocket"
)

const (
	DefaultRestBaseURL = "https://api.kraken.com"

	EnvMCPPort   = "MCP_PORT"
	EnvDebugMode = "DEBUG_MODE"
	EnvAuthToken = "MCP_AUTH_TOKEN"
)

// Operation names used as keys of rate_limit.costs.
const (
	OpBalance     = "Balance"
	OpOpenOrders  = "OpenOrders"
	OpCancelOrder = "CancelOrder"
	OpAddOrder    = "AddOrder"
	OpPublic      = "public"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Trading        TradingConfig        `yaml:"trading"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	RestBaseURL    string `yaml:"rest_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	CallTimeoutMs  int64  `yaml:"call_timeout_ms"`
	ValidateOnly   bool   `yaml:"validate_only"`
	EnvFile        string `yaml:"env_file"`
}

type PairConfig struct {
	Pair            string  `yaml:"pair"`
	WireName        string  `yaml:"wire_name"`
	PricePrecision  *int32  `yaml:"price_precision"`
	VolumePrecision *int32  `yaml:"volume_precision"`
	MinVolume       Decimal `yaml:"min_volume"`
}

type TradingConfig struct {
	Pairs            []PairConfig `yaml:"pairs"`
	PricePrecision   int32        `yaml:"price_precision"`
	VolumePrecision  int32        `yaml:"volume_precision"`
	DefaultOrderSize Decimal      `yaml:"default_order_size"`
	MaxOpenOrders    int          `yaml:"max_open_orders"`
	ConfirmAmbiguous *bool        `yaml:"confirm_ambiguous"`
	TightenFromAPI   *bool        `yaml:"tighten_from_exchange"`
}

type BucketConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type RateLimitConfig struct {
	Public    BucketConfig       `yaml:"public"`
	Private   BucketConfig       `yaml:"private"`
	MaxWaitMs int64              `yaml:"max_wait_ms"`
	Costs     map[string]float64 `yaml:"costs"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelayMs int64    `yaml:"base_delay_ms"`
	MaxDelayMs  int64    `yaml:"max_delay_ms"`
	Jitter      *float64 `yaml:"jitter"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
	NonceReserve uint64 `yaml:"nonce_reserve"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
}

type ServerConfig struct {
	Transport Transport `yaml:"transport"`
	MCPAddr   string    `yaml:"mcp_addr"`
	WSPath    string    `yaml:"ws_path"`
	HTTPAddr  string    `yaml:"http_addr"`
	// AuthToken is only read from the environment. When set, the WebSocket and
	// HTTP listeners require it as a bearer token.
	AuthToken string `yaml:"-"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Debug      bool   `yaml:"debug"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

// Load reads a single YAML document, applies environment overrides and defaults,
// then validates. An empty path yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, errors.Wrap(err, "decode config")
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return Config{}, fmt.Errorf("config must contain a single YAML document")
			}
			return Config{}, err
		}
	}
	cfg.normalize()
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.EnvFile = strings.TrimSpace(c.Exchange.EnvFile)
	for i := range c.Trading.Pairs {
		c.Trading.Pairs[i].Pair = strings.ToUpper(strings.TrimSpace(c.Trading.Pairs[i].Pair))
		c.Trading.Pairs[i].WireName = strings.ToUpper(strings.TrimSpace(c.Trading.Pairs[i].WireName))
	}
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Server.Transport = Transport(strings.ToLower(strings.TrimSpace(string(c.Server.Transport))))
	c.Server.MCPAddr = strings.TrimSpace(c.Server.MCPAddr)
	c.Server.HTTPAddr = strings.TrimSpace(c.Server.HTTPAddr)
	c.Server.WSPath = strings.TrimSpace(c.Server.WSPath)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if port := strings.TrimSpace(getenv(EnvMCPPort)); port != "" {
		c.Server.MCPAddr = ":" + strings.TrimPrefix(port, ":")
	}
	c.Server.AuthToken = strings.TrimSpace(getenv(EnvAuthToken))
	if debug, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvDebugMode))); err == nil && debug {
		c.Logging.Debug = true
	}
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = DefaultRestBaseURL
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.CallTimeoutMs == 0 {
		c.Exchange.CallTimeoutMs = 10000
	}
	if c.Exchange.EnvFile == "" {
		c.Exchange.EnvFile = ".env"
	}
	if c.Trading.PricePrecision == 0 {
		c.Trading.PricePrecision = 2
	}
	if c.Trading.VolumePrecision == 0 {
		c.Trading.VolumePrecision = 8
	}
	if len(c.Trading.Pairs) == 0 {
		c.Trading.Pairs = []PairConfig{{Pair: "XBT/USD"}, {Pair: "ETH/USD"}}
	}
	for i := range c.Trading.Pairs {
		p := &c.Trading.Pairs[i]
		if p.PricePrecision == nil {
			v := c.Trading.PricePrecision
			p.PricePrecision = &v
		}
		if p.VolumePrecision == nil {
			v := c.Trading.VolumePrecision
			p.VolumePrecision = &v
		}
	}
	if c.Trading.ConfirmAmbiguous == nil {
		enabled := true
		c.Trading.ConfirmAmbiguous = &enabled
	}
	if c.Trading.TightenFromAPI == nil {
		enabled := true
		c.Trading.TightenFromAPI = &enabled
	}
	if c.RateLimit.Public.Capacity == 0 {
		c.RateLimit.Public.Capacity = 5
	}
	if c.RateLimit.Public.RefillPerSec == 0 {
		c.RateLimit.Public.RefillPerSec = 1
	}
	if c.RateLimit.Private.Capacity == 0 {
		c.RateLimit.Private.Capacity = 15
	}
	if c.RateLimit.Private.RefillPerSec == 0 {
		c.RateLimit.Private.RefillPerSec = 1
	}
	if c.RateLimit.MaxWaitMs == 0 {
		c.RateLimit.MaxWaitMs = 5000
	}
	costs := map[string]float64{
		OpBalance:     1,
		OpOpenOrders:  1,
		OpCancelOrder: 1,
		OpAddOrder:    2,
		OpPublic:      1,
	}
	for k, v := range c.RateLimit.Costs {
		costs[k] = v
	}
	c.RateLimit.Costs = costs
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 4000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 10000
	}
	if c.Retry.Jitter == nil {
		j := 0.2
		c.Retry.Jitter = &j
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.State.NonceReserve == 0 {
		c.State.NonceReserve = 10_000_000
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 60
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportStdio
	}
	if c.Server.MCPAddr == "" {
		c.Server.MCPAddr = ":8765"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/mcp"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.CallTimeoutMs < 100 || c.Exchange.CallTimeoutMs > 120000 {
		return fmt.Errorf("exchange call_timeout_ms must be between 100 and 120000")
	}
	if c.Trading.PricePrecision < 0 || c.Trading.PricePrecision > 12 {
		return fmt.Errorf("trading price_precision must be between 0 and 12")
	}
	if c.Trading.VolumePrecision < 0 || c.Trading.VolumePrecision > 12 {
		return fmt.Errorf("trading volume_precision must be between 0 and 12")
	}
	seen := make(map[string]struct{}, len(c.Trading.Pairs))
	for _, p := range c.Trading.Pairs {
		if !isValidPair(p.Pair) {
			return fmt.Errorf("trading pair %q must look like BASE/QUOTE", p.Pair)
		}
		if _, dup := seen[p.Pair]; dup {
			return fmt.Errorf("trading pair %s listed twice", p.Pair)
		}
		seen[p.Pair] = struct{}{}
		if p.PricePrecision != nil && (*p.PricePrecision < 0 || *p.PricePrecision > 12) {
			return fmt.Errorf("trading pair %s price_precision must be between 0 and 12", p.Pair)
		}
		if p.VolumePrecision != nil && (*p.VolumePrecision < 0 || *p.VolumePrecision > 12) {
			return fmt.Errorf("trading pair %s volume_precision must be between 0 and 12", p.Pair)
		}
		if p.MinVolume.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("trading pair %s min_volume must be >= 0", p.Pair)
		}
	}
	if c.Trading.DefaultOrderSize.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trading default_order_size must be >= 0")
	}
	if c.Trading.MaxOpenOrders < 0 {
		return fmt.Errorf("trading max_open_orders must be >= 0")
	}
	for name, b := range map[string]BucketConfig{"public": c.RateLimit.Public, "private": c.RateLimit.Private} {
		if b.Capacity <= 0 || b.RefillPerSec <= 0 {
			return fmt.Errorf("rate_limit.%s capacity and refill_per_sec must be > 0", name)
		}
	}
	if c.RateLimit.MaxWaitMs < 0 || c.RateLimit.MaxWaitMs > 600000 {
		return fmt.Errorf("rate_limit.max_wait_ms must be between 0 and 600000")
	}
	for _, op := range sortedKeys(c.RateLimit.Costs) {
		cost := c.RateLimit.Costs[op]
		if !isKnownOp(op) {
			return fmt.Errorf("rate_limit.costs has unknown operation %q", op)
		}
		limit := c.RateLimit.Private.Capacity
		if op == OpPublic {
			limit = c.RateLimit.Public.Capacity
		}
		if cost <= 0 || cost > limit {
			return fmt.Errorf("rate_limit.costs.%s must be > 0 and <= bucket capacity", op)
		}
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be between 1 and 10")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms")
	}
	if c.Retry.Jitter != nil && (*c.Retry.Jitter < 0 || *c.Retry.Jitter > 0.5) {
		return fmt.Errorf("retry.jitter must be between 0 and 0.5")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	switch c.Server.Transport {
	case TransportStdio, TransportWebSocket:
	default:
		return fmt.Errorf("server.transport must be stdio or websocket")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "https", "http"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Exchange.CallTimeoutMs) * time.Millisecond
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Exchange.HTTPTimeoutSec) * time.Second
}

func (c Config) MaxWait() time.Duration {
	return time.Duration(c.RateLimit.MaxWaitMs) * time.Millisecond
}

func (c Config) Cost(op string) float64 {
	if v, ok := c.RateLimit.Costs[op]; ok {
		return v
	}
	return 1
}

func isKnownOp(op string) bool {
	switch op {
	case OpBalance, OpOpenOrders, OpCancelOrder, OpAddOrder, OpPublic:
		return true
	}
	return false
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	parts := strings.Split(v, "/")
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if len(part) < 2 || len(part) > 10 {
			return false
		}
		for _, r := range part {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				continue
			}
			return false
		}
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}

// PairRules converts the configured whitelist into validation rules.
func (c Config) PairRules() []core.PairRules {
	out := make([]core.PairRules, 0, len(c.Trading.Pairs))
	for _, p := range c.Trading.Pairs {
		r := core.PairRules{
			Pair:            p.Pair,
			WireName:        p.WireName,
			PricePrecision:  c.Trading.PricePrecision,
			VolumePrecision: c.Trading.VolumePrecision,
			MinVolume:       p.MinVolume.Decimal,
		}
		if p.PricePrecision != nil {
			r.PricePrecision = *p.PricePrecision
		}
		if p.VolumePrecision != nil {
			r.VolumePrecision = *p.VolumePrecision
		}
		out = append(out, r)
	}
	return out
}

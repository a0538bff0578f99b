package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"kraken-mcp-trader/internal/config"
	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/exchange/kraken"
	"kraken-mcp-trader/internal/logging"
	"kraken-mcp-trader/internal/ratelimit"
	"kraken-mcp-trader/internal/retry"
	"kraken-mcp-trader/internal/session"
	"kraken-mcp-trader/internal/store"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

const maxClockSkew = 5 * time.Second

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Instance   string        `json:"instance"`
	BaseURL    string        `json:"base_url"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	status   bool
	clock    bool
	pairs    bool
	balance  bool
	orders   bool
	validate bool
}

func (s selectedChecks) private() bool {
	return s.balance || s.orders || s.validate
}

func main() {
	var (
		configPath    string
		timeoutSec    int
		outJSONPath   string
		checkFlag     string
		validatePrice string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | public | comma list (status,clock,pairs,balance,orders,validate)")
	flag.StringVar(&validatePrice, "validate-price", "", "limit price for the validate-only order check")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Debug: cfg.Logging.Debug})
	if err != nil {
		fatal(err.Error())
	}

	var creds config.Credentials
	if checks.private() {
		creds, err = config.LoadCredentials(cfg.Exchange.EnvFile)
		if err != nil {
			fatal(err.Error())
		}
	}

	// Signed checks share the nonce watermark and lock with a running server on
	// the same key, so they refuse to run next to it.
	var (
		st   *store.Store
		lock *store.InstanceLock
	)
	if !creds.IsZero() {
		st, err = store.New(cfg.State.Dir, creds.Fingerprint())
		if err != nil {
			fatal(err.Error())
		}
		lock, err = store.AcquireInstanceLock(cfg.State.Dir, store.LockOptions{
			Scope:           creds.Fingerprint(),
			InstanceID:      cfg.InstanceID + "-check",
			TakeoverEnabled: *cfg.State.LockTakeover,
			StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		})
		if err != nil {
			fatal(err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	public, err := ratelimit.NewBucket(ratelimit.ClassPublic, cfg.RateLimit.Public.Capacity, cfg.RateLimit.Public.RefillPerSec, nil)
	if err != nil {
		fatal(err.Error())
	}
	private, err := ratelimit.NewBucket(ratelimit.ClassPrivate, cfg.RateLimit.Private.Capacity, cfg.RateLimit.Private.RefillPerSec, nil)
	if err != nil {
		fatal(err.Error())
	}
	opts := session.Options{Reserve: cfg.State.NonceReserve, Limiter: ratelimit.NewLimiter(cfg.MaxWait(), public, private)}
	if st != nil {
		opts.Store = st
	}
	sess, err := session.New(opts)
	if err != nil {
		fatal(err.Error())
	}
	var signer *kraken.Signer
	if !creds.IsZero() {
		if signer, err = kraken.NewSigner(creds.Secret()); err != nil {
			_ = lock.Release()
			fatal(err.Error())
		}
	}
	gateway, err := kraken.NewGateway(kraken.GatewayOptions{
		APIKey:      creds.APIKey(),
		Signer:      signer,
		Session:     sess,
		Transport:   kraken.NewRestyTransport(cfg.Exchange.RestBaseURL, cfg.HTTPTimeout()),
		Policy:      retry.Policy{MaxAttempts: 1},
		CallTimeout: cfg.CallTimeout(),
		Costs:       cfg.RateLimit.Costs,
		Events:      logging.NewLogrusSink(logger),
	})
	if err != nil {
		fatal(err.Error())
	}
	pairs, err := core.NewWhitelist(cfg.PairRules(), cfg.Trading.DefaultOrderSize.Decimal)
	if err != nil {
		fatal(err.Error())
	}
	client := kraken.NewClient(gateway, pairs, kraken.ClientOptions{ValidateOnly: true})

	r := report{
		StartedAt: time.Now().UTC(),
		Instance:  cfg.InstanceID,
		BaseURL:   cfg.Exchange.RestBaseURL,
	}
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	if checks.status {
		run("system_status", func() (string, error) {
			status, err := client.SystemStatus(ctx)
			if err != nil {
				return "", err
			}
			if status != "online" {
				return "", fmt.Errorf("exchange status is %s", status)
			}
			return "status=" + status, nil
		})
	}
	if checks.clock {
		run("clock_skew", func() (string, error) {
			before := time.Now()
			serverTime, err := client.ServerTime(ctx)
			if err != nil {
				return "", err
			}
			return checkClockSkew(before, time.Now(), serverTime, maxClockSkew)
		})
	}
	if checks.pairs {
		run("asset_pairs", func() (string, error) {
			reported, err := client.AssetPairs(ctx)
			if err != nil {
				return "", err
			}
			return comparePairs(pairs.Pairs(), reported)
		})
	}
	if checks.balance {
		run("private_balance", func() (string, error) {
			bal, err := client.Balance(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("assets=%d", len(bal.Assets)), nil
		})
	}
	if checks.orders {
		run("private_open_orders", func() (string, error) {
			orders, err := client.OpenOrders(ctx, "")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("open=%d", len(orders)), nil
		})
	}
	if checks.validate {
		run("validate_only_order", func() (string, error) {
			if strings.TrimSpace(validatePrice) == "" {
				return "", errors.New("set -validate-price to run this check")
			}
			first := pairs.Pairs()[0]
			req, err := pairs.ValidateOrder(core.RawOrder{Pair: first.Pair, Side: "buy", Price: validatePrice})
			if err != nil {
				return "", err
			}
			res, err := client.PlaceOrder(ctx, req)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("pair=%s status=%s", res.Pair, res.Status), nil
		})
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)

	signer.Wipe()
	if err := lock.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", err)
	}

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}

	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "default":
		return selectedChecks{status: true, clock: true, pairs: true, balance: true, orders: true}, nil
	case "public":
		return selectedChecks{status: true, clock: true, pairs: true}, nil
	case "all":
		return selectedChecks{status: true, clock: true, pairs: true, balance: true, orders: true, validate: true}, nil
	}

	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		name := strings.TrimSpace(p)
		switch name {
		case "":
			continue
		case "status", "system_status":
			out.status = true
		case "clock", "clock_skew":
			out.clock = true
		case "pairs", "asset_pairs":
			out.pairs = true
		case "balance", "private_balance":
			out.balance = true
		case "orders", "private_open_orders":
			out.orders = true
		case "validate", "validate_only_order":
			out.validate = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// checkClockSkew compares the server time with the midpoint of the local request
// window. Kraken server time has one-second resolution.
func checkClockSkew(sent, received, server time.Time, limit time.Duration) (string, error) {
	local := sent.Add(received.Sub(sent) / 2)
	skew := local.Sub(server)
	if skew < 0 {
		skew = -skew
	}
	detail := fmt.Sprintf("skew=%s", skew.Round(time.Millisecond))
	if skew > limit {
		return detail, fmt.Errorf("local clock differs from exchange by %s (limit %s)", skew.Round(time.Millisecond), limit)
	}
	return detail, nil
}

// comparePairs checks every configured pair is listed by the exchange and
// reports where the exchange demands coarser precision than configured.
func comparePairs(configured []core.PairRules, reported map[string]core.PairRules) (string, error) {
	var missing, tighter []string
	for _, local := range configured {
		remote, ok := reported[local.Pair]
		if !ok {
			missing = append(missing, local.Pair)
			continue
		}
		if remote.PricePrecision < local.PricePrecision || remote.VolumePrecision < local.VolumePrecision {
			tighter = append(tighter, fmt.Sprintf("%s(price=%d volume=%d)", local.Pair, remote.PricePrecision, remote.VolumePrecision))
		}
	}
	sort.Strings(missing)
	sort.Strings(tighter)
	detail := fmt.Sprintf("configured=%d listed=%d", len(configured), len(configured)-len(missing))
	if len(tighter) > 0 {
		detail += " tighter=" + strings.Join(tighter, ",")
	}
	if len(missing) > 0 {
		return detail, fmt.Errorf("pairs not listed by exchange: %s", strings.Join(missing, ","))
	}
	return detail, nil
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary instance=%s base_url=%s pass=%d fail=%d duration=%s\n",
		r.Instance,
		r.BaseURL,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kraken-mcp-trader/internal/alert"
	"kraken-mcp-trader/internal/api"
	"kraken-mcp-trader/internal/config"
	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/exchange/kraken"
	"kraken-mcp-trader/internal/executor"
	"kraken-mcp-trader/internal/logging"
	"kraken-mcp-trader/internal/mcp"
	"kraken-mcp-trader/internal/ratelimit"
	"kraken-mcp-trader/internal/retry"
	"kraken-mcp-trader/internal/safety"
	"kraken-mcp-trader/internal/session"
	"kraken-mcp-trader/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(loggingConfig(cfg))
	if err != nil {
		fatal(err.Error())
	}
	log := logging.Component(logger, "main").WithFields(logrus.Fields{
		"instance":  cfg.InstanceID,
		"transport": cfg.Server.Transport,
	})

	creds, err := config.LoadCredentials(cfg.Exchange.EnvFile)
	if err != nil {
		// Public tools still work; private calls fail with configuration_error.
		log.WithError(err).Warn("credentials_unavailable")
	}

	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.WithError(err).Warn("close alert manager failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.State.Dir, creds.Fingerprint())
	if err != nil {
		fatal(err.Error())
	}
	instanceLock, err := store.AcquireInstanceLock(cfg.State.Dir, store.LockOptions{
		Scope:           creds.Fingerprint(),
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.WithError(relErr).Warn("release instance lock failed")
		}
	}()

	limiter, err := buildLimiter(cfg)
	if err != nil {
		fatal(err.Error())
	}
	sess, err := session.New(session.Options{
		Store:   st,
		Reserve: cfg.State.NonceReserve,
		Limiter: limiter,
	})
	if err != nil {
		fatal(err.Error())
	}

	var signer *kraken.Signer
	if !creds.IsZero() {
		signer, err = kraken.NewSigner(creds.Secret())
		if err != nil {
			fatal(err.Error())
		}
		defer signer.Wipe()
	}
	gateway, err := kraken.NewGateway(kraken.GatewayOptions{
		APIKey:      creds.APIKey(),
		Signer:      signer,
		Session:     sess,
		Transport:   kraken.NewRestyTransport(cfg.Exchange.RestBaseURL, cfg.HTTPTimeout()),
		Policy:      retryPolicy(cfg),
		CallTimeout: cfg.CallTimeout(),
		Costs:       cfg.RateLimit.Costs,
		Events:      logging.NewLogrusSink(logger),
		Alerter:     alerts,
	})
	if err != nil {
		fatal(err.Error())
	}

	pairs, err := core.NewWhitelist(cfg.PairRules(), cfg.Trading.DefaultOrderSize.Decimal)
	if err != nil {
		fatal(err.Error())
	}
	client := kraken.NewClient(gateway, pairs, kraken.ClientOptions{ValidateOnly: cfg.Exchange.ValidateOnly})
	if *cfg.Trading.TightenFromAPI {
		pairs = tightenWhitelist(ctx, client, pairs, log)
		client.SetWhitelist(pairs)
	}

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second,
	)
	breaker.SetAlerter(alerts)
	breaker.SetLogger(logger)

	exec, err := executor.New(executor.Options{
		Exchange:         safety.NewGuardedExchange(client, breaker),
		Pairs:            pairs,
		Session:          sess,
		MaxOpenOrders:    cfg.Trading.MaxOpenOrders,
		ConfirmAmbiguous: *cfg.Trading.ConfirmAmbiguous,
		Events:           logging.NewLogrusSink(logger),
		Alerts:           alerts,
	})
	if err != nil {
		fatal(err.Error())
	}

	startedAt := time.Now().UTC()
	status := func(state string, runErr error) {
		persistRuntimeStatus(st, log, cfg, startedAt, pairs, state, runErr)
	}
	status("starting", nil)
	log.WithFields(logrus.Fields{
		"validate_only": cfg.Exchange.ValidateOnly,
		"pairs":         len(pairs.Pairs()),
		"credentials":   !creds.IsZero(),
	}).Info("server_starting")

	server := mcp.NewServer(exec, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The MCP channel closing ends the process, HTTP listener included.
		defer stop()
		switch cfg.Server.Transport {
		case config.TransportWebSocket:
			return server.ListenAndServeWebSocket(gctx, cfg.Server.MCPAddr, cfg.Server.WSPath, mcp.WSOptions{
				AuthToken: cfg.Server.AuthToken,
			})
		default:
			return server.ServeStdio(gctx, os.Stdin, os.Stdout)
		}
	})
	if cfg.Server.HTTPAddr != "" {
		router := api.NewRouter(&api.Handler{Runner: exec, Budgets: sess}, api.Options{
			AuthToken: cfg.Server.AuthToken,
			Logger:    logger,
		})
		g.Go(func() error {
			return api.ListenAndServe(gctx, cfg.Server.HTTPAddr, router, logger)
		})
	}
	status("running", nil)

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status("failed", runErr)
		alerts.Important("server_stopped", map[string]string{"error": runErr.Error()})
		log.WithError(runErr).Error("server_stopped")
		return
	}
	status("stopped", nil)
	log.Info("server_stopped")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func loggingConfig(cfg config.Config) logging.Config {
	return logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputFile: cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Debug:      cfg.Logging.Debug,
	}
}

func buildAlertManager(cfg config.Config, logger logrus.FieldLogger) *alert.Manager {
	var notifier alert.Notifier = alert.LogNotifier{Logger: logger}
	if tg := cfg.Observability.Telegram; tg.Enabled {
		notifier = alert.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	}
	return alert.NewManager(notifier, alert.ManagerOptions{
		InstanceID:         cfg.InstanceID,
		Transport:          string(cfg.Server.Transport),
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}

func buildLimiter(cfg config.Config) (*ratelimit.Limiter, error) {
	public, err := ratelimit.NewBucket(ratelimit.ClassPublic, cfg.RateLimit.Public.Capacity, cfg.RateLimit.Public.RefillPerSec, nil)
	if err != nil {
		return nil, err
	}
	private, err := ratelimit.NewBucket(ratelimit.ClassPrivate, cfg.RateLimit.Private.Capacity, cfg.RateLimit.Private.RefillPerSec, nil)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewLimiter(cfg.MaxWait(), public, private), nil
}

func retryPolicy(cfg config.Config) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}
	if cfg.Retry.Jitter != nil {
		p.JitterFraction = *cfg.Retry.Jitter
	}
	return p
}

// tightenWhitelist merges the exchange's precision and minimums into the local
// whitelist. Failure keeps the configured rules.
func tightenWhitelist(ctx context.Context, client *kraken.Client, pairs *core.Whitelist, log logrus.FieldLogger) *core.Whitelist {
	reqCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	reported, err := client.AssetPairs(reqCtx)
	if err != nil {
		log.WithError(err).Warn("asset_pairs_unavailable")
		return pairs
	}
	return pairs.WithExchangeRules(reported)
}

func persistRuntimeStatus(st *store.Store, log logrus.FieldLogger, cfg config.Config, startedAt time.Time, pairs *core.Whitelist, state string, runErr error) {
	names := make([]string, 0)
	for _, p := range pairs.Pairs() {
		names = append(names, p.Pair)
	}
	status := store.RuntimeStatus{
		InstanceID: cfg.InstanceID,
		Transport:  string(cfg.Server.Transport),
		PID:        os.Getpid(),
		State:      state,
		Pairs:      names,
		StartedAt:  startedAt,
	}
	if runErr != nil {
		status.LastError = runErr.Error()
	}
	if err := st.SaveRuntimeStatus(status); err != nil {
		log.WithError(err).Warn("runtime_status_persist_failed")
	}
}

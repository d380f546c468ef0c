package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"GapSentinel/internal/alert"
	"GapSentinel/internal/api"
	"GapSentinel/internal/cache"
	"GapSentinel/internal/collector"
	"GapSentinel/internal/config"
	"GapSentinel/internal/detector"
	"GapSentinel/internal/logger"
	"GapSentinel/internal/metrics"
	"GapSentinel/internal/model"
	"GapSentinel/internal/notifier"
	"GapSentinel/internal/recorder"
	"GapSentinel/internal/report"
	"GapSentinel/internal/scanner"
	"GapSentinel/internal/tracker"
)

type flags struct {
	configPath string
	singleScan bool
	testAlerts bool
	symbols    string
	interval   time.Duration
	export     string
	noDisplay  bool
	logLevel   string
}

func parseFlags() flags {
	var f flags
	defaultPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		defaultPath = v
	}
	flag.StringVar(&f.configPath, "config", defaultPath, "path to the YAML config file")
	flag.BoolVar(&f.singleScan, "single-scan", false, "run one scan, print the summary and exit")
	flag.BoolVar(&f.testAlerts, "test-alerts", false, "send a sample alert through every enabled transport and exit")
	flag.StringVar(&f.symbols, "symbols", "", "comma-separated symbols, overrides the config")
	flag.DurationVar(&f.interval, "interval", 0, "scan interval, overrides the config")
	flag.StringVar(&f.export, "export", "", "write each scan result to this CSV file")
	flag.BoolVar(&f.noDisplay, "no-display", false, "do not print result tables")
	flag.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flag.Parse()
	return f
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "gapsentinel: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, f); err != nil {
		return err
	}

	log, logCloser, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log.Info().Strs("symbols", cfg.Symbols).Strs("timeframes", cfg.Timeframes).Msg("GapSentinel starting")

	timeframes, err := cfg.ParsedTimeframes()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	seriesCache, closeCache := buildCache(cfg, log)
	defer closeCache()

	provider := buildProvider(cfg)
	log.Info().Str("provider", provider.Name()).Msg("data source selected")

	col := collector.NewCollector(provider, seriesCache, collector.Options{
		Workers:          cfg.Scanner.Workers,
		MaxAttempts:      cfg.Scanner.MaxAttempts,
		InitialBackoff:   cfg.Scanner.InitialBackoff,
		MaxBackoff:       cfg.Scanner.MaxBackoff,
		AttemptTimeout:   cfg.Scanner.AttemptTimeout,
		Lookback:         cfg.Scanner.Lookback,
		AllowSessionGaps: cfg.Scanner.AllowSessionGaps,
	}, log)

	var telegram *notifier.TelegramNotifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		telegram = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.DataSource.Proxy, log)
	}

	dispatcher := notifier.NewDispatcher(log, cfg.Alerts.QueueSize, buildTransports(cfg, telegram)...)
	dispatcher.OnFailure(func(string, error) { m.RecordDeliveryFailure() })
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dispatcher.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("alert queue not drained")
		}
	}()

	if f.testAlerts {
		rec := alert.SampleRecord(time.Now())
		dispatcher.Dispatch([]model.AlertRecord{rec})
		log.Info().Strs("transports", dispatcher.Transports()).Msg("test alert queued")
		return nil
	}

	rec := buildRecorder(cfg, log)
	defer rec.Close()

	alerts := alert.NewEngine(alert.Options{
		Cooldown:      cfg.Alerts.Cooldown,
		MaxAgeCandles: cfg.Alerts.MaxAgeCandles,
		StrongPct:     cfg.Alerts.StrongPct,
		MediumPct:     cfg.Alerts.MediumPct,
		HistorySize:   cfg.Alerts.HistorySize,
	}, log)

	sc := scanner.New(scanner.Config{Symbols: cfg.Symbols, Timeframes: timeframes}, scanner.Deps{
		Fetcher:    col,
		Detector:   detector.New(cfg.Detector.Threshold, cfg.Detector.Lookahead),
		Tracker:    tracker.New(tracker.Options{Retention: cfg.Tracker.Retention, MaxPerKey: cfg.Tracker.MaxPerKey}, log),
		Alerts:     alerts,
		Metrics:    m,
		Dispatcher: dispatcher,
		Recorder:   rec,
		Log:        log,
	})
	sc.OnResult(resultPrinter(f, timeframes, log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if f.singleScan {
		_, err := sc.Scan(ctx)
		return err
	}

	if cfg.API.Enabled {
		srv := api.New(cfg.API.Addr, sc, alerts, m.Handler(), log)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("api shutdown")
			}
		}()
	}

	if telegram != nil && cfg.Telegram.Polling {
		go telegram.StartPolling(ctx, sc.HandleCommand)
		log.Info().Msg("telegram polling started")
	}

	if cfg.Scanner.Cron != "" {
		err = sc.StartCron(ctx, cfg.Scanner.Cron, cfg.Location())
	} else {
		err = sc.StartContinuous(ctx, cfg.Scanner.Interval)
	}
	if err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}
	log.Info().Msg("GapSentinel is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping...")
	sc.Stop()
	log.Info().Msg("GapSentinel stopped")
	return nil
}

func applyFlags(cfg *config.Config, f flags) error {
	if f.symbols != "" {
		syms, err := config.NormalizeSymbols(config.SplitList(f.symbols))
		if err != nil {
			return &config.ConfigurationError{Problems: []string{"--symbols: " + err.Error()}}
		}
		cfg.Symbols = syms
	}
	if f.interval != 0 {
		if f.interval < 0 {
			return &config.ConfigurationError{Problems: []string{"--interval must be positive"}}
		}
		cfg.Scanner.Interval = f.interval
		cfg.Scanner.Cron = ""
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg.Validate()
}

func buildProvider(cfg *config.Config) collector.Provider {
	switch cfg.DataSource.Provider {
	case "rest":
		return collector.NewRESTFetcher(cfg.DataSource.BaseURL, cfg.DataSource.APIKey, cfg.DataSource.Proxy)
	case "mock":
		return collector.NewMockProvider(100)
	default:
		return collector.NewYahooFetcher(cfg.DataSource.Proxy)
	}
}

func buildCache(cfg *config.Config, log zerolog.Logger) (cache.SeriesCache, func()) {
	if cfg.Cache.Backend != "redis" {
		return cache.NewMemoryCache(cfg.Cache.TTL), func() {}
	}
	rc := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   cfg.Cache.RedisPrefix,
	}, cfg.Cache.TTL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unreachable, falling back to memory cache")
		rc.Close()
		return cache.NewMemoryCache(cfg.Cache.TTL), func() {}
	}
	return rc, func() { rc.Close() }
}

func buildTransports(cfg *config.Config, telegram *notifier.TelegramNotifier) []notifier.Transport {
	var ts []notifier.Transport
	if cfg.Alerts.Console {
		ts = append(ts, notifier.NewConsoleTransport(os.Stdout))
	}
	if cfg.Alerts.Sound {
		ts = append(ts, notifier.NewBellTransport(os.Stdout))
	}
	if cfg.Alerts.Telegram && telegram != nil {
		ts = append(ts, telegram)
	}
	return ts
}

func buildRecorder(cfg *config.Config, log zerolog.Logger) recorder.Recorder {
	if cfg.Database.SQLitePath == "" {
		return recorder.NewNoopRecorder()
	}
	sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
	if err != nil {
		log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
		return recorder.NewNoopRecorder()
	}
	return sr
}

func resultPrinter(f flags, timeframes []model.Timeframe, log zerolog.Logger) func(*model.ScanResult) {
	var out io.Writer = os.Stdout
	return func(res *model.ScanResult) {
		if !f.noDisplay {
			report.WriteTable(out, res, report.Options{Timeframes: timeframes, Color: true})
			if f.singleScan {
				report.WriteStats(out, res)
			}
		}
		if f.export != "" {
			if err := report.ExportCSV(f.export, res); err != nil {
				log.Error().Err(err).Str("path", f.export).Msg("csv export failed")
			}
		}
	}
}

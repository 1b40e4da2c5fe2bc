package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/84hero/escrow-indexer/internal/api"
	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/config"
	"github.com/84hero/escrow-indexer/pkg/decoder"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/lock"
	"github.com/84hero/escrow-indexer/pkg/metrics"
	"github.com/84hero/escrow-indexer/pkg/notify"
	"github.com/84hero/escrow-indexer/pkg/query"
	"github.com/84hero/escrow-indexer/pkg/rpc"
	"github.com/84hero/escrow-indexer/pkg/syncer"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
		os.Exit(1)
	}
}

// Run is the testable entry point of the indexer.
func Run(ctx context.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Fixtures {
		log.Warn("Serving fixture escrows, no chain is indexed")
		server := api.New(query.NewService(query.NewFixtureSource()), m, reg)
		return api.Serve(ctx, cfg.API, server.Handler())
	}

	store, err := ledger.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	client, err := rpc.NewClient(ctx, cfg.Chain.RPC)
	if err != nil {
		return err
	}
	defer client.Close()

	dec, err := decoder.New()
	if err != nil {
		return err
	}
	contract, err := cfg.ContractAddress()
	if err != nil {
		return err
	}
	cc := chain.NewClient(client, chain.NewFilter(contract, dec.Topics()...), cfg.ChainClientConfig())
	if err := verifyChain(ctx, cc, cfg); err != nil {
		return err
	}

	outputs, err := initOutputs(ctx, cfg.Outputs)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(m, outputs...)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Warn("Failed to close outputs", "err", err)
		}
	}()

	opts := []syncer.Option{syncer.WithMetrics(m)}
	if dispatcher.Len() > 0 {
		opts = append(opts, syncer.WithPublisher(dispatcher))
	}
	if cfg.Lock.Enabled {
		l, err := lock.NewRedisLock(ctx, cfg.Lock)
		if err != nil {
			return fmt.Errorf("leader lock: %w", err)
		}
		defer l.Close()
		opts = append(opts, syncer.WithLeader(l))
	}

	engine := syncer.New(cc, dec, store, cfg.SyncerConfig(), opts...)
	server := api.New(query.NewService(store, query.WithHead(engine.LastHead)), m, reg)

	log.Info("Starting escrow indexer",
		"project", cfg.Project,
		"contract", contract.Hex(),
		"start", cfg.Chain.StartBlock,
		"store", cfg.Store.Driver,
		"outputs", dispatcher.Len(),
		"listen", cfg.API.Listen,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		firstErr error
		once     sync.Once
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Sync engine stopped", "err", err)
			fail(err)
			return
		}
		cancel()
	}()
	go func() {
		defer wg.Done()
		if err := api.Serve(runCtx, cfg.API, server.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Query API stopped", "err", err)
			fail(err)
			return
		}
		cancel()
	}()
	wg.Wait()

	log.Info("Shut down", "cursor", cursorHeight(context.WithoutCancel(ctx), store))
	return firstErr
}

// verifyChain rejects a contract address without code and an RPC pointed at the wrong chain.
func verifyChain(ctx context.Context, cc *chain.Client, cfg *config.Config) error {
	contract, err := cfg.ContractAddress()
	if err != nil {
		return err
	}
	if err := cc.VerifyContract(ctx, contract); err != nil {
		return err
	}
	if cfg.Chain.Preset == "" {
		return nil
	}
	preset, ok := chain.Get(cfg.Chain.Preset)
	if !ok || preset.ChainID == 0 {
		return nil
	}
	id, err := cc.ChainID(ctx)
	if err != nil {
		return err
	}
	if id != preset.ChainID {
		return fmt.Errorf("%w: rpc reports chain %d, preset %s expects %d", config.ErrInvalid, id, cfg.Chain.Preset, preset.ChainID)
	}
	return nil
}

func initOutputs(ctx context.Context, cfg config.OutputsConfig) (outputs []notify.Output, err error) {
	defer func() {
		if err != nil {
			for _, o := range outputs {
				_ = o.Close()
			}
			outputs = nil
		}
	}()

	if cfg.Console.Enabled {
		outputs = append(outputs, notify.NewConsoleOutput(os.Stdout))
	}
	if cfg.File.Enabled {
		fo, err := notify.NewFileOutput(cfg.File.Path)
		if err != nil {
			return outputs, fmt.Errorf("file output: %w", err)
		}
		outputs = append(outputs, fo)
	}
	if cfg.Webhook.Enabled {
		outputs = append(outputs, notify.NewWebhookOutput(cfg.Webhook.WebhookConfig))
	}
	if cfg.Redis.Enabled {
		ro, err := notify.NewRedisOutput(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return outputs, fmt.Errorf("redis output: %w", err)
		}
		outputs = append(outputs, ro)
	}
	if cfg.Kafka.Enabled {
		ko, err := notify.NewKafkaOutput(cfg.Kafka.KafkaConfig)
		if err != nil {
			return outputs, fmt.Errorf("kafka output: %w", err)
		}
		outputs = append(outputs, ko)
	}
	if cfg.RabbitMQ.Enabled {
		ro, err := notify.NewRabbitMQOutput(cfg.RabbitMQ.RabbitMQConfig)
		if err != nil {
			return outputs, fmt.Errorf("rabbitmq output: %w", err)
		}
		outputs = append(outputs, ro)
	}
	return outputs, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// setupLogger installs the default logger and returns a func that closes the log file, if any.
func setupLogger(cfg config.LogConfig) func() {
	var (
		w       io.Writer = os.Stderr
		color             = true
		closeFn           = func() {}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		color = false
		closeFn = func() { _ = lj.Close() }
	}

	level := parseLevel(cfg.Level)
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = log.JSONHandlerWithLevel(w, level)
	} else {
		handler = log.NewTerminalHandlerWithLevel(w, level, color)
	}
	log.SetDefault(log.NewLogger(handler))
	return closeFn
}

func cursorHeight(ctx context.Context, store ledger.Store) uint64 {
	cur, err := store.Cursor(ctx)
	if err != nil || cur == nil {
		return 0
	}
	return cur.Height
}

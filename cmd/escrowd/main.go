package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"AgentEscrow-Chain/internal/api"
	"AgentEscrow-Chain/internal/config"
	"AgentEscrow-Chain/internal/escrow"
	"AgentEscrow-Chain/internal/execution"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/internal/ledger"
	"AgentEscrow-Chain/internal/ledger/confirm"
	"AgentEscrow-Chain/internal/ledger/provider"
	"AgentEscrow-Chain/internal/ledger/stream"
	"AgentEscrow-Chain/internal/observability/alerting"
	"AgentEscrow-Chain/internal/observability/metrics"
	"AgentEscrow-Chain/internal/progress"
	"AgentEscrow-Chain/internal/signer"
	mysqlstore "AgentEscrow-Chain/internal/storage/mysql"
	"AgentEscrow-Chain/pkg/logger"
)

// main 是 escrowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	config.LoadDotEnv()
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	appLog := logger.Named("escrowd")

	registry, err := provider.NewRegistry(cfg.Ledger.NetworksFile, cfg.Ledger.Network)
	if err != nil {
		return err
	}
	defer registry.Close()
	network := registry.Network()

	ledgerClient, err := registry.Client(ctx)
	if err != nil {
		return err
	}
	chainID, err := ledgerClient.ChainID(ctx)
	if err != nil {
		return err
	}

	txStream, closeStream, err := openStream(ctx, cfg, network, chainID)
	if err != nil {
		return err
	}
	defer closeStream()

	waiterOpts := []confirm.Option{confirm.WithPollInterval(cfg.Ledger.PollInterval())}
	if txStream != nil {
		waiterOpts = append(waiterOpts, confirm.WithStream(txStream))
	}
	escrowClient := escrow.NewClient(ledgerClient, confirm.NewWaiter(ledgerClient, waiterOpts...), network.EscrowAddress(),
		escrow.WithConfirmTimeout(cfg.Ledger.ConfirmTimeout()),
		escrow.WithAccountStream(txStream != nil),
	)

	txSigner, err := openSigner(cfg.Signer)
	if err != nil {
		return err
	}

	executor, err := execution.NewClient(cfg.Execution.BaseURL, &http.Client{Timeout: cfg.Execution.Timeout()})
	if err != nil {
		return err
	}

	journal, closeJournal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer closeJournal()

	sink, closeSinks, err := openSinks(ctx, cfg.Progress)
	if err != nil {
		return err
	}
	defer closeSinks()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	feeReserve, err := ledger.ToAtomic(cfg.Hire.FeeReserve)
	if err != nil {
		return fmt.Errorf("hire.fee_reserve 无效: %w", err)
	}

	orchestrator := hire.New(escrowClient, executor, ledgerClient, network.TokenAddress(),
		hire.WithFeeReserve(feeReserve),
		hire.WithUnitSymbol(cfg.Hire.UnitSymbol),
		hire.WithProgress(sink),
		hire.WithJournal(journal),
		hire.WithAlerts(alerting.NewFanout(notifiers...)),
	)

	if pending, err := journal.Unresolved(ctx); err != nil {
		appLog.Warn("读取未处理的雇佣记录失败", "error", err)
	} else if len(pending) > 0 {
		appLog.Warn("存在资金仍在托管中的作业，请人工处理", "count", len(pending))
	}

	var defaultAccount common.Address
	if common.IsHexAddress(cfg.Signer.Account) {
		defaultAccount = common.HexToAddress(cfg.Signer.Account)
	}
	server := api.NewServer(cfg.Server.Address, orchestrator, escrowClient,
		api.StaticSessions{Signer: txSigner, Default: defaultAccount},
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	appLog.Info("escrowd 启动",
		"network", registry.Selected(),
		"chain_id", chainID.String(),
		"escrow", network.EscrowAddress().Hex(),
		"token", network.TokenAddress().Hex(),
		"stream", cfg.Ledger.Stream.Driver,
		"signer", cfg.Signer.Driver,
		"journal", cfg.Journal.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Server.MetricsAddress)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStream(ctx context.Context, cfg *config.Config, network ledger.NetworkDefinition, chainID *big.Int) (stream.Stream, func(), error) {
	switch cfg.Ledger.Stream.Driver {
	case "head":
		if network.WSURL == "" {
			return nil, nil, fmt.Errorf("网络 %s 未配置 ws_url，无法使用 head 推送", cfg.Ledger.Network)
		}
		s, closeFn, err := stream.DialHeadStream(ctx, network.WSURL, chainID)
		if err != nil {
			return nil, nil, err
		}
		return s, closeFn, nil
	case "redis":
		client := newRedis(cfg.Ledger.Stream.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("连接 redis 失败: %w", err)
		}
		return stream.NewRedisStream(client, cfg.Ledger.Stream.Redis.ChannelPrefix), func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func openSigner(cfg config.SignerConfig) (signer.Signer, error) {
	switch cfg.Driver {
	case "keystore":
		passphrase := os.Getenv(cfg.PassphraseEnv)
		if strings.TrimSpace(passphrase) == "" {
			return nil, fmt.Errorf("环境变量 %s 未设置 keystore 口令", cfg.PassphraseEnv)
		}
		return signer.NewKeystoreSigner(cfg.KeystoreDir, passphrase), nil
	default:
		return signer.NewExternalSigner(cfg.Endpoint), nil
	}
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (hire.Journal, func(), error) {
	if cfg.Driver != "mysql" {
		return hire.NewMemoryJournal(), func() {}, nil
	}
	j, err := mysqlstore.Open(ctx, mysqlstore.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return j, func() { _ = j.Close() }, nil
}

func openSinks(ctx context.Context, cfg config.ProgressConfig) (progress.Sink, func(), error) {
	sinks := []progress.Sink{progress.NewLogSink(nil)}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Redis.Address != "" {
		client := newRedis(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("连接进度 redis 失败: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		sink, err := progress.NewRedisSink(client, cfg.Redis.ChannelPrefix)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RabbitMQ.URL != "" {
		sink, err := progress.NewRabbitMQSink(progress.RabbitMQConfig{URL: cfg.RabbitMQ.URL, Exchange: cfg.RabbitMQ.Exchange})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = sink.Close() })
		sinks = append(sinks, sink)
	}
	return progress.NewFanout(sinks...), closeAll, nil
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

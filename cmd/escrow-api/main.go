package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exitpool-labs/exitpool/internal/audit"
	"github.com/exitpool-labs/exitpool/internal/decisionsink"
	"github.com/exitpool-labs/exitpool/internal/erc20"
	"github.com/exitpool-labs/exitpool/internal/escrowapi"
	"github.com/exitpool-labs/exitpool/internal/eth"
	"github.com/exitpool-labs/exitpool/internal/queue"
	"github.com/exitpool-labs/exitpool/internal/registry"
	registrypg "github.com/exitpool-labs/exitpool/internal/registry/postgres"
	"github.com/exitpool-labs/exitpool/internal/relay"
	"github.com/exitpool-labs/exitpool/internal/secrets"
	"github.com/exitpool-labs/exitpool/internal/settlement"
	settlementpg "github.com/exitpool-labs/exitpool/internal/settlement/postgres"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8084", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty uses in-memory stores")

		rpcURL        = flag.String("rpc-url", "", "L1 JSON-RPC URL (required)")
		chainIDFlag   = flag.Uint64("chain-id", 0, "L1 chain id (required)")
		messengerAddr = flag.String("messenger-address", "", "L1 cross-domain messenger contract address (required)")

		ownerAddr     = flag.String("owner-address", "", "escrow owner address (required)")
		inventoryAddr = flag.String("inventory-address", "", "default market-maker inventory address (required)")
		ownerTokenRef = flag.String("owner-token-ref", "", "owner bearer token secret reference, env:NAME or aws:ID (required)")
		relayerKeyRef = flag.String("relayer-key-ref", "", "escrow relayer private key secret reference, env:NAME or aws:ID (required)")

		minTipGwei   = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult      = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver for decision events (kafka|stdio)")
		queueBrokers  = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables decision publishing")
		decisionTopic = flag.String("decision-topic", decisionsink.DefaultTopic, "queue topic for settlement decisions")

		auditDriver = flag.String("audit-driver", "", "audit archive driver (s3|memory); empty disables archiving")
		auditBucket = flag.String("audit-bucket", "", "S3 bucket for the audit archive")
		auditPrefix = flag.String("audit-prefix", "", "key prefix inside the audit archive")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainIDFlag == 0 || *messengerAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --messenger-address are required")
		os.Exit(2)
	}
	if *ownerAddr == "" || *inventoryAddr == "" || strings.TrimSpace(*ownerTokenRef) == "" || strings.TrimSpace(*relayerKeyRef) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner-address, --inventory-address, --owner-token-ref, and --relayer-key-ref are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*ownerAddr) || !common.IsHexAddress(*inventoryAddr) || !common.IsHexAddress(*messengerAddr) {
		fmt.Fprintln(os.Stderr, "error: --owner-address, --inventory-address, and --messenger-address must be valid hex addresses")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if normalizeAuditDriver(*auditDriver) == audit.DriverS3 && strings.TrimSpace(*auditBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --audit-bucket is required when --audit-driver=s3")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	ownerToken, err := secrets.Resolve(startupCtx, *ownerTokenRef)
	if err != nil {
		log.Error("resolve owner token", "err", err)
		os.Exit(2)
	}
	relayerKeyHex, err := secrets.Resolve(startupCtx, *relayerKeyRef)
	if err != nil {
		log.Error("resolve relayer key", "err", err)
		os.Exit(2)
	}
	relayerKey, err := eth.ParsePrivateKeyHex(relayerKeyHex)
	if err != nil {
		log.Error("parse relayer key", "err", err)
		os.Exit(2)
	}

	client, err := ethclient.DialContext(startupCtx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	chainID := new(big.Int).SetUint64(*chainIDFlag)
	gotChainID, err := client.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch chain id", "err", err)
		os.Exit(1)
	}
	if gotChainID.Cmp(chainID) != 0 {
		log.Error("chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
		os.Exit(2)
	}

	relayer, err := eth.NewRelayer(client, eth.NewLocalSigner(relayerKey), eth.RelayerConfig{
		ChainID:             chainID,
		GasLimitMultiplier:  *gasMult,
		MinTipCap:           new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
		ReceiptPollInterval: *pollInterval,
	})
	if err != nil {
		log.Error("init relayer", "err", err)
		os.Exit(2)
	}

	mover, err := erc20.NewMover(relayer, log)
	if err != nil {
		log.Error("init token mover", "err", err)
		os.Exit(2)
	}

	var (
		regStore registry.Store
		ledger   settlement.Ledger
	)
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, poolErr := pgxpool.New(ctx, *postgresDSN)
		if poolErr != nil {
			log.Error("init pgx pool", "err", poolErr)
			os.Exit(2)
		}
		defer pool.Close()

		pgRegistry, regErr := registrypg.New(pool)
		if regErr != nil {
			log.Error("init registry store", "err", regErr)
			os.Exit(2)
		}
		if err := pgRegistry.EnsureSchema(ctx); err != nil {
			log.Error("ensure registry schema", "err", err)
			os.Exit(2)
		}
		pgLedger, ledgerErr := settlementpg.New(pool)
		if ledgerErr != nil {
			log.Error("init settlement ledger", "err", ledgerErr)
			os.Exit(2)
		}
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			log.Error("ensure settlement schema", "err", err)
			os.Exit(2)
		}
		regStore = pgRegistry
		ledger = pgLedger
	} else {
		log.Warn("no --postgres-dsn; registry and ledger are in-memory and lost on restart")
		regStore = registry.NewMemoryStore()
		ledger = settlement.NewMemoryLedger(nil)
	}

	owner := common.HexToAddress(*ownerAddr)
	tokens, err := registry.New(owner, regStore)
	if err != nil {
		log.Error("init token registry", "err", err)
		os.Exit(2)
	}

	oracle, err := relay.NewEthOracle(client, common.HexToAddress(*messengerAddr))
	if err != nil {
		log.Error("init messenger oracle", "err", err)
		os.Exit(2)
	}
	verifier, err := relay.NewVerifier(tokens, oracle)
	if err != nil {
		log.Error("init relay verifier", "err", err)
		os.Exit(2)
	}

	var sinks decisionsink.Multi
	if strings.TrimSpace(*queueBrokers) != "" {
		producer, producerErr := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if producerErr != nil {
			log.Error("init queue producer", "err", producerErr)
			os.Exit(2)
		}
		defer producer.Close()

		queueSink, sinkErr := decisionsink.NewQueueSink(producer, *decisionTopic)
		if sinkErr != nil {
			log.Error("init decision queue sink", "err", sinkErr)
			os.Exit(2)
		}
		sinks = append(sinks, queueSink)
		log.Info("decision publishing enabled", "queueDriver", *queueDriver, "topic", *decisionTopic)
	}
	if strings.TrimSpace(*auditDriver) != "" {
		archive, archiveErr := newAuditArchive(startupCtx, *auditDriver, *auditBucket, *auditPrefix)
		if archiveErr != nil {
			log.Error("init audit archive", "err", archiveErr)
			os.Exit(2)
		}
		sinks = append(sinks, archive)
		log.Info("decision archiving enabled", "auditDriver", normalizeAuditDriver(*auditDriver), "bucket", strings.TrimSpace(*auditBucket))
	}

	engineOpts := []settlement.EngineOption{settlement.WithLogger(log)}
	if len(sinks) > 0 {
		engineOpts = append(engineOpts, settlement.WithDecisionSink(sinks))
	}
	engine, err := settlement.NewEngine(owner, ledger, mover, verifier, engineOpts...)
	if err != nil {
		log.Error("init settlement engine", "err", err)
		os.Exit(2)
	}

	handler, err := escrowapi.NewHandler(escrowapi.Config{
		Inventory:               common.HexToAddress(*inventoryAddr),
		OwnerToken:              ownerToken,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, engine, tokens, verifier, ledger)
	if err != nil {
		log.Error("init escrow api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("escrow-api listening",
			"addr", *listenAddr,
			"owner", owner,
			"inventory", *inventoryAddr,
			"relayer", relayer.From(),
			"chainID", chainID.String(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func normalizeAuditDriver(driver string) string {
	return strings.ToLower(strings.TrimSpace(driver))
}

func newAuditArchive(ctx context.Context, driver, bucket, prefix string) (*audit.Archive, error) {
	cfg := audit.Config{
		Driver: normalizeAuditDriver(driver),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == audit.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	store, err := audit.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return audit.NewArchive(store)
}

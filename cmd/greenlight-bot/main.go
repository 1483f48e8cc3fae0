package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
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
	"github.com/exitpool-labs/exitpool/internal/eth"
	"github.com/exitpool-labs/exitpool/internal/greenlightbot"
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
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty uses in-memory stores (dev only)")

		rpcURL        = flag.String("rpc-url", "", "L1 JSON-RPC URL (required)")
		chainIDFlag   = flag.Uint64("chain-id", 0, "L1 chain id (required)")
		messengerAddr = flag.String("messenger-address", "", "L1 cross-domain messenger contract address (required)")

		ownerAddr     = flag.String("owner-address", "", "escrow owner address (required)")
		inventoryAddr = flag.String("inventory-address", "", "market-maker inventory address fronting payouts (required)")
		relayerKeyRef = flag.String("relayer-key-ref", "", "escrow relayer private key secret reference, env:NAME or aws:ID (required)")

		minTipGwei   = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult      = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "greenlight-bot", "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", "withdrawals.observed.v1", "comma-separated queue topics with observed withdrawals")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		handleTimeout = flag.Duration("handle-timeout", 30*time.Second, "per-event greenlight timeout")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		decisionBrokers = flag.String("decision-brokers", "", "queue brokers for decision events; empty disables publishing")
		decisionTopic   = flag.String("decision-topic", decisionsink.DefaultTopic, "queue topic for settlement decisions")

		auditDriver = flag.String("audit-driver", "", "audit archive driver (s3|memory); empty disables archiving")
		auditBucket = flag.String("audit-bucket", "", "S3 bucket for the audit archive")
		auditPrefix = flag.String("audit-prefix", "", "key prefix inside the audit archive")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainIDFlag == 0 || *messengerAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --messenger-address are required")
		os.Exit(2)
	}
	if *ownerAddr == "" || *inventoryAddr == "" || strings.TrimSpace(*relayerKeyRef) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner-address, --inventory-address, and --relayer-key-ref are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*ownerAddr) || !common.IsHexAddress(*inventoryAddr) || !common.IsHexAddress(*messengerAddr) {
		fmt.Fprintln(os.Stderr, "error: --owner-address, --inventory-address, and --messenger-address must be valid hex addresses")
		os.Exit(2)
	}
	if *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if *handleTimeout <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --handle-timeout and --queue-ack-timeout must be > 0")
		os.Exit(2)
	}
	if strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverKafka) && (strings.TrimSpace(*queueBrokers) == "" || strings.TrimSpace(*queueGroup) == "") {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers and --queue-group are required for the kafka driver")
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
		log.Warn("no --postgres-dsn; registry and ledger are in-memory and not shared with other services")
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
	if strings.TrimSpace(*decisionBrokers) != "" {
		producer, producerErr := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*decisionBrokers),
		})
		if producerErr != nil {
			log.Error("init decision producer", "err", producerErr)
			os.Exit(2)
		}
		defer producer.Close()

		queueSink, sinkErr := decisionsink.NewQueueSink(producer, *decisionTopic)
		if sinkErr != nil {
			log.Error("init decision queue sink", "err", sinkErr)
			os.Exit(2)
		}
		sinks = append(sinks, queueSink)
	}
	if strings.TrimSpace(*auditDriver) != "" {
		archive, archiveErr := newAuditArchive(startupCtx, *auditDriver, *auditBucket, *auditPrefix)
		if archiveErr != nil {
			log.Error("init audit archive", "err", archiveErr)
			os.Exit(2)
		}
		sinks = append(sinks, archive)
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

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         strings.TrimSpace(*queueGroup),
		Topics:        queue.SplitCommaList(*queueTopics),
		KafkaMaxBytes: *queueMaxBytes,
		Reader:        os.Stdin,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	bot, err := greenlightbot.New(greenlightbot.Config{
		Inventory:     common.HexToAddress(*inventoryAddr),
		HandleTimeout: *handleTimeout,
		AckTimeout:    *ackTimeout,
	}, engine, consumer, log)
	if err != nil {
		log.Error("init greenlight bot", "err", err)
		os.Exit(2)
	}

	log.Info("greenlight-bot consuming",
		"queueDriver", *queueDriver,
		"topics", strings.TrimSpace(*queueTopics),
		"owner", owner,
		"inventory", *inventoryAddr,
		"relayer", relayer.From(),
	)
	if err := bot.Run(ctx); err != nil {
		log.Error("bot run", "err", err)
		os.Exit(1)
	}
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

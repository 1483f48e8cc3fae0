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
	"github.com/exitpool-labs/exitpool/internal/claimkeeper"
	"github.com/exitpool-labs/exitpool/internal/decisionsink"
	"github.com/exitpool-labs/exitpool/internal/erc20"
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
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required; the keeper scans the shared settlement ledger)")

		rpcURL        = flag.String("rpc-url", "", "L1 JSON-RPC URL (required)")
		chainIDFlag   = flag.Uint64("chain-id", 0, "L1 chain id (required)")
		messengerAddr = flag.String("messenger-address", "", "L1 cross-domain messenger contract address (required)")

		ownerAddr     = flag.String("owner-address", "", "escrow owner address (required)")
		relayerKeyRef = flag.String("relayer-key-ref", "", "escrow relayer private key secret reference, env:NAME or aws:ID (required)")

		minTipGwei   = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult      = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")

		tickInterval = flag.Duration("tick-interval", 30*time.Second, "interval between ledger scans")
		scanLimit    = flag.Int("scan-limit", 100, "maximum greenlighted settlements examined per tick")
		claimTimeout = flag.Duration("claim-timeout", 2*time.Minute, "per-settlement claim timeout")

		queueDriver     = flag.String("queue-driver", queue.DriverKafka, "queue driver for decision events (kafka|stdio)")
		decisionBrokers = flag.String("decision-brokers", "", "queue brokers for decision events; empty disables publishing")
		decisionTopic   = flag.String("decision-topic", decisionsink.DefaultTopic, "queue topic for settlement decisions")

		auditDriver = flag.String("audit-driver", "", "audit archive driver (s3|memory); empty disables archiving")
		auditBucket = flag.String("audit-bucket", "", "S3 bucket for the audit archive")
		auditPrefix = flag.String("audit-prefix", "", "key prefix inside the audit archive")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *rpcURL == "" || *chainIDFlag == 0 || *messengerAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --messenger-address are required")
		os.Exit(2)
	}
	if *ownerAddr == "" || strings.TrimSpace(*relayerKeyRef) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner-address and --relayer-key-ref are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*ownerAddr) || !common.IsHexAddress(*messengerAddr) {
		fmt.Fprintln(os.Stderr, "error: --owner-address and --messenger-address must be valid hex addresses")
		os.Exit(2)
	}
	if *tickInterval <= 0 || *scanLimit <= 0 || *claimTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --tick-interval, --scan-limit, and --claim-timeout must be > 0")
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

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	regStore, err := registrypg.New(pool)
	if err != nil {
		log.Error("init registry store", "err", err)
		os.Exit(2)
	}
	if err := regStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure registry schema", "err", err)
		os.Exit(2)
	}
	ledger, err := settlementpg.New(pool)
	if err != nil {
		log.Error("init settlement ledger", "err", err)
		os.Exit(2)
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		log.Error("ensure settlement schema", "err", err)
		os.Exit(2)
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

	keeper, err := claimkeeper.New(claimkeeper.Config{
		ScanLimit:    *scanLimit,
		ClaimTimeout: *claimTimeout,
	}, engine, verifier, ledger, log)
	if err != nil {
		log.Error("init claim keeper", "err", err)
		os.Exit(2)
	}

	log.Info("claim-keeper running",
		"tickInterval", tickInterval.String(),
		"scanLimit", *scanLimit,
		"owner", owner,
		"relayer", relayer.From(),
	)
	if err := keeper.Run(ctx, *tickInterval); err != nil {
		log.Error("keeper run", "err", err)
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

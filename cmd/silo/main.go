package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/silo/pkg/broker"
	"github.com/malbeclabs/silo/pkg/metrics"
	"github.com/malbeclabs/silo/pkg/server"
	"github.com/malbeclabs/silo/pkg/storage/compaction"
	"github.com/malbeclabs/silo/pkg/storage/engine"
	"github.com/malbeclabs/silo/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	dataDirFlag := flag.String("data-dir", "./data", "storage root directory (or set SILO_DATA_DIR env var)")
	listenAddrFlag := flag.String("listen-addr", ":8040", "HTTP listen address for health/metrics (or set SILO_LISTEN_ADDR env var)")
	s3BrokerFlag := flag.Bool("s3-broker", false, "enable the S3 broker backend for remote delta files (or set SILO_S3_BROKER=true env var)")

	// Base compaction policy
	compactionIntervalFlag := flag.Duration("compaction-check-interval", 10*time.Minute, "how often to consider tablets for base compaction")
	compactionBytesFlag := flag.Int64("compaction-bytes-threshold", 64<<20, "cumulative bytes since last base that trigger compaction")
	compactionDeltasFlag := flag.Int("compaction-delta-threshold", 5, "cumulative delta count that triggers compaction")
	deleteRetentionFlag := flag.Duration("delete-retention", 24*time.Hour, "how long delete predicates block compaction past their version")

	flag.Parse()

	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	if env := os.Getenv("SILO_DATA_DIR"); env != "" {
		*dataDirFlag = env
	}
	if env := os.Getenv("SILO_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if os.Getenv("SILO_S3_BROKER") == "true" {
		*s3BrokerFlag = true
	}
	if env := os.Getenv("SILO_COMPACTION_DELTA_THRESHOLD"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			*compactionDeltasFlag = n
		}
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backend broker.Backend = broker.LocalBackend{}
	if *s3BrokerFlag {
		s3Backend, err := broker.NewS3Backend(ctx)
		if err != nil {
			return fmt.Errorf("failed to create s3 broker backend: %w", err)
		}
		backend = s3Backend
	}

	eng, err := engine.Open(ctx, engine.Config{
		Logger:  log,
		DataDir: *dataDirFlag,
		Backend: backend,
		Compaction: compaction.Config{
			BytesThreshold:      *compactionBytesFlag,
			DeltaCountThreshold: *compactionDeltasFlag,
			DeleteRetention:     *deleteRetentionFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open storage engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
	}, eng)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return runCompactionLoop(ctx, log, eng, *compactionIntervalFlag)
	})

	return g.Wait()
}

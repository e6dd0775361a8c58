package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"arc-catalog/blobstore"
	"arc-catalog/catalog"
	"arc-catalog/ingest"
	"arc-catalog/store"
)

// settings is the merged view of the config file and command-line flags.
// A flag wins only when it was set explicitly.
type settings struct {
	Database       string
	BlobDir        string
	PoolSize       int
	AcquireTimeout time.Duration
	Debug          bool

	SourceDir   string
	CommitEvery int
	MaxSamples  int
	Timeout     time.Duration
	LabelDirs   map[string]string
}

var flags struct {
	config         string
	database       string
	blobDir        string
	poolSize       int
	acquireTimeout time.Duration
	debug          bool

	source      string
	commitEvery int
	maxSamples  int
	timeout     time.Duration

	workers    int
	quarantine string
	status     string
	reviewed   string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "arc-catalog",
		Short:         "Catalog of electrical-transient captures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "YAML config file path.")
	pf.StringVar(&flags.database, "db", "arc_catalog.db", "SQLite catalog path.")
	pf.StringVar(&flags.blobDir, "blob-dir", "blobs", "Directory holding the waveform blobs.")
	pf.IntVar(&flags.poolSize, "pool-size", store.DefaultPoolSize, "Number of pooled catalog handles.")
	pf.DurationVar(&flags.acquireTimeout, "acquire-timeout", store.DefaultAcquireTimeout, "How long to wait for a free handle.")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logs.")

	root.AddCommand(ingestCmd(), summaryCmd(), statusCmd(), verifyCmd(), sweepCmd())
	return root
}

func main() {
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func loadSettings(cmd *cobra.Command) (*settings, error) {
	fileCfg := &ingest.FileConfig{}
	if flags.config != "" {
		cfg, err := ingest.LoadConfig(flags.config)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		fileCfg = cfg
	}
	changed := cmd.Flags().Changed

	s := &settings{
		Database:       fileCfg.Database,
		BlobDir:        fileCfg.BlobDir,
		PoolSize:       fileCfg.Pool.Size,
		AcquireTimeout: fileCfg.Pool.AcquireTimeout,
		Debug:          fileCfg.Debug,
		SourceDir:      fileCfg.SourceDir,
		CommitEvery:    fileCfg.CommitEvery,
		MaxSamples:     fileCfg.MaxSamples,
		Timeout:        fileCfg.Timeout,
	}
	if s.Database == "" || changed("db") {
		s.Database = flags.database
	}
	if s.BlobDir == "" || changed("blob-dir") {
		s.BlobDir = flags.blobDir
	}
	if s.PoolSize == 0 || changed("pool-size") {
		s.PoolSize = flags.poolSize
	}
	if s.AcquireTimeout == 0 || changed("acquire-timeout") {
		s.AcquireTimeout = flags.acquireTimeout
	}
	if changed("debug") {
		s.Debug = flags.debug
	}
	if changed("source") {
		s.SourceDir = flags.source
	}
	if changed("commit-every") {
		s.CommitEvery = flags.commitEvery
	}
	if changed("max-samples") {
		s.MaxSamples = flags.maxSamples
	}
	if changed("timeout") {
		s.Timeout = flags.timeout
	}

	if len(fileCfg.LabelDirs.Items) > 0 {
		m, err := fileCfg.LabelDirs.Map()
		if err != nil {
			return nil, err
		}
		s.LabelDirs = m
	}
	if strings.TrimSpace(s.Database) == "" {
		return nil, fmt.Errorf("missing database path (use --db or config.yaml database)")
	}
	return s, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// env owns the process-wide resources. close releases them in reverse order.
type env struct {
	cfg   *settings
	log   *zap.Logger
	pool  *store.Pool
	repo  *store.Repository
	blobs *blobstore.Store
	svc   *catalog.Service
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}
	pool, err := store.NewPool(cmd.Context(), store.PoolConfig{
		Path:           cfg.Database,
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		Debug:          cfg.Debug,
	}, log.Named("store"))
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		_ = log.Sync()
		return nil, errs.Combine(err, pool.CloseAll())
	}
	repo := store.NewRepository(pool, log.Named("store"))
	return &env{
		cfg:   cfg,
		log:   log,
		pool:  pool,
		repo:  repo,
		blobs: blobs,
		svc:   catalog.New(repo, blobs, log.Named("catalog")),
	}, nil
}

func (e *env) close() {
	st := e.pool.Stats()
	e.log.Debug("closing catalog pool", zap.Int("size", st.Size), zap.Int("idle", st.Idle), zap.Int("in_use", st.InUse))
	if err := e.pool.CloseAll(); err != nil {
		e.log.Warn("close pool", zap.Error(err))
	}
	_ = e.log.Sync()
}

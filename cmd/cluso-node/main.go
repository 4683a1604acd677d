package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mail/pkg/admin"
	"github.com/dd0wney/cluso-mail/pkg/applier"
	"github.com/dd0wney/cluso-mail/pkg/cluster"
	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
	"github.com/dd0wney/cluso-mail/pkg/transport"
)

type options struct {
	configPath  string
	peerID      uint64
	shardID     uint
	addr        string
	listen      string
	seeds       string
	dataDir     string
	codec       string
	adminAddr   string
	applierKind string
	postgresURL string
	logLevel    string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file")
	flag.Uint64Var(&opts.peerID, "peer-id", 0, "Peer id (overrides config)")
	flag.UintVar(&opts.shardID, "shard", 0, "Shard id (overrides config)")
	flag.StringVar(&opts.addr, "addr", "", "Address peers reach this node at, host:port (overrides config)")
	flag.StringVar(&opts.listen, "listen", "", "Transport listen address (default: -addr)")
	flag.StringVar(&opts.seeds, "seeds", "", "Comma separated seeds as id@host:port (overrides config)")
	flag.StringVar(&opts.dataDir, "data", "", "Raft log directory, empty keeps the log in memory (overrides config)")
	flag.StringVar(&opts.codec, "codec", "", "Wire codec: msgpack or json (overrides config)")
	flag.StringVar(&opts.adminAddr, "admin", "127.0.0.1:7070", "Admin HTTP listen address")
	flag.StringVar(&opts.applierKind, "applier", "memory", "State machine: memory or postgres")
	flag.StringVar(&opts.postgresURL, "postgres-url", os.Getenv("CLUSO_POSTGRES_URL"), "PostgreSQL URL for -applier=postgres")
	flag.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default: LOG_LEVEL or info)")
	flag.Parse()

	logger := logging.DefaultLogger()
	if opts.logLevel != "" {
		logger.SetLevel(logging.ParseLevel(opts.logLevel))
	}

	if err := run(opts, logger); err != nil {
		logger.Error("node exited", logging.Error(err))
		os.Exit(1)
	}
}

func loadConfig(opts options) (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	if opts.configPath != "" {
		data, err := os.ReadFile(opts.configPath)
		if err != nil {
			return cluster.Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if cfg, err = cluster.DecodeConfig(data); err != nil {
			return cluster.Config{}, err
		}
	}

	// Only flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "peer-id":
			cfg.PeerID = cluster.PeerID(opts.peerID)
		case "shard":
			cfg.ShardID = cluster.ShardID(opts.shardID)
		case "addr":
			cfg.Addr = opts.addr
		case "seeds":
			cfg.Seeds = nil
			for _, s := range strings.Split(opts.seeds, ",") {
				if s = strings.TrimSpace(s); s != "" {
					cfg.Seeds = append(cfg.Seeds, s)
				}
			}
		case "data":
			cfg.DataDir = opts.dataDir
		case "codec":
			cfg.Codec = opts.codec
		}
	})
	if cfg.ClusterKey == "" {
		cfg.ClusterKey = os.Getenv("CLUSO_CLUSTER_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

func openApplier(ctx context.Context, opts options) (cluster.Applier, func(), error) {
	switch opts.applierKind {
	case "memory":
		return applier.NewMemory(), func() {}, nil
	case "postgres":
		if opts.postgresURL == "" {
			return nil, nil, errors.New("-postgres-url or CLUSO_POSTGRES_URL is required for the postgres applier")
		}
		pg, err := applier.NewPostgres(ctx, opts.postgresURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown applier %q", opts.applierKind)
	}
}

func run(opts options, logger logging.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger = logger.With(logging.PeerID(uint64(cfg.PeerID)), logging.ShardID(uint32(cfg.ShardID)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.DefaultRegistry()

	app, closeApplier, err := openApplier(ctx, opts)
	if err != nil {
		return err
	}
	defer closeApplier()

	listen := opts.listen
	if listen == "" {
		listen = cfg.Addr
	}
	tr, err := transport.NewNNGTransport(transport.NNGConfig{
		ListenAddr:  listen,
		Codec:       cfg.Codec,
		ClusterKey:  cfg.ClusterKey,
		SendTimeout: cfg.RPCTimeout,
	}, logger, reg)
	if err != nil {
		return err
	}
	defer tr.Close()

	node, err := cluster.NewNode(cfg, tr,
		cluster.WithApplier(app),
		cluster.WithLogger(logger),
		cluster.WithMetrics(reg))
	if err != nil {
		return err
	}
	adminSrv := admin.NewServer(admin.Config{ListenAddr: opts.adminAddr}, node, reg, logger)

	logger.Info("starting cluster node",
		logging.Addr(cfg.Addr),
		logging.String("listen", listen),
		logging.String("admin", opts.adminAddr),
		logging.String("applier", opts.applierKind),
		logging.Int("seeds", len(cfg.Seeds)),
		logging.Bool("sealed", cfg.ClusterKey != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return adminSrv.ListenAndServe(gctx) })
	err = g.Wait()

	logger.Info("cluster node stopped")
	return err
}

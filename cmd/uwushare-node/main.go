package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"uwushare/internal/config"
	"uwushare/internal/debuglog"
	"uwushare/internal/metrics"
	"uwushare/internal/network"
	"uwushare/internal/node"
	"uwushare/internal/pprofutil"
	"uwushare/internal/proto"
	"uwushare/internal/service"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.RunContext(context.Background(), append([]string{app.Name}, args...)); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "uwushare-node",
		Usage:     "run a directory or peer node",
		Writer:    stdout,
		ErrWriter: stderr,
		// Exit codes are mapped by run; the default handler calls os.Exit.
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return fmt.Errorf("unknown command: %s", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start a node and serve until interrupted",
				Flags:  runFlags(),
				Action: runNode,
			},
			{
				Name:  "status",
				Usage: "print the last metrics snapshot of a node",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "role", Usage: "directory or peer"},
					&cli.StringFlag{Name: "metrics", Usage: "snapshot path, overrides the config"},
				},
				Action: runStatus,
			},
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML or YAML config file",
		EnvVars: []string{"UWU_CONFIG"},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.StringFlag{Name: "role", Usage: "directory or peer"},
		&cli.StringFlag{Name: "listen", Usage: "listen address host:port"},
		&cli.StringFlag{Name: "advertise", Usage: "address other nodes reach this node on"},
		&cli.StringSliceFlag{Name: "directory", Aliases: []string{"d"}, Usage: "directory node address, repeatable"},
		&cli.StringFlag{Name: "shared-dir", Usage: "directory whose files a peer shares"},
		&cli.StringFlag{Name: "persist", Usage: "directory store file"},
		&cli.StringFlag{Name: "transport", Usage: "tcp or quic"},
		&cli.BoolFlag{Name: "broadcast", Usage: "push directory updates to connected nodes"},
		&cli.BoolFlag{Name: "watch", Usage: "register early when shared files change"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
}

// loadConfig layers flags over the file and environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	set := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	set("role", &cfg.Role)
	set("listen", &cfg.Listen)
	set("advertise", &cfg.Advertise)
	set("shared-dir", &cfg.Peer.SharedDir)
	set("persist", &cfg.Directory.StorePath)
	set("transport", &cfg.Transport)
	set("metrics", &cfg.Metrics.SnapshotPath)
	if c.IsSet("directory") {
		cfg.Peer.Directories = c.StringSlice("directory")
	}
	if c.IsSet("broadcast") {
		cfg.Directory.Broadcast = c.Bool("broadcast")
	}
	if c.IsSet("watch") {
		cfg.Peer.Watch = c.Bool("watch")
	}
	if c.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type runner interface {
	Start(ctx context.Context) error
	Stop()
	WaitReady(ctx context.Context) error
	Done() <-chan struct{}
	Addr() string
	Self() proto.PeerInfo
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 2)
	}
	log, err := debuglog.New(debuglog.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return cli.Exit(err, 2)
	}
	debuglog.SetGlobal(log)
	defer func() { _ = log.Sync() }()

	m := metrics.New()
	dbg, err := pprofutil.StartFromEnv(m, log)
	if err != nil {
		return err
	}
	defer dbg.Close()

	n, err := buildNode(cfg, m, log)
	if err != nil {
		return fmt.Errorf("load node failed: %w", err)
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("run failed: %w", err)
	}
	defer n.Stop()
	if err := n.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "READY role=%s addr=%s self=%s\n", cfg.Role, n.Addr(), n.Self())
	if p, ok := n.(*node.Peer); ok {
		if err := p.Sync(ctx); err != nil {
			log.Warn("initial sync", zap.Error(err))
		}
	}
	select {
	case <-ctx.Done():
		log.Info("shutting down", zap.String("reason", context.Cause(ctx).Error()))
	case <-n.Done():
	}
	return nil
}

func buildNode(cfg config.Config, m *metrics.Metrics, log *zap.Logger) (runner, error) {
	var tr network.Transport
	switch cfg.Transport {
	case "quic":
		tr = network.NewQUICTransport(network.QUICOptions{InsecureSkipVerify: true, Logger: log.Named("quic")})
	default:
		var err error
		if tr, err = network.New(cfg.Transport); err != nil {
			return nil, err
		}
	}
	self, err := cfg.AdvertiseInfo()
	if err != nil {
		return nil, err
	}
	opts := node.Options{
		Service: service.Options{
			Addr:             cfg.Listen,
			Self:             self,
			Transport:        tr,
			HandlerTimeout:   cfg.Service.HandlerTimeout.Duration,
			ReadTimeout:      cfg.Service.ReadTimeout.Duration,
			Interval:         cfg.Service.Interval.Duration,
			MaxConnsPerHost:  cfg.Service.MaxConnsPerHost,
			RatePerSecond:    cfg.Service.RatePerSecond,
			RateBurst:        cfg.Service.RateBurst,
			MaxInFlight:      cfg.Service.MaxInFlight,
			StrictPairs:      cfg.Service.StrictPairs,
			SnapshotPath:     cfg.Metrics.SnapshotPath,
			SnapshotInterval: cfg.Metrics.SnapshotInterval.Duration,
		},
		Logger:  log,
		Metrics: m,
	}
	switch cfg.Role {
	case config.RoleDirectory:
		opts.StorePath = cfg.Directory.StorePath
		return node.NewDirectory(node.DirectoryOptions{
			Options:     opts,
			Broadcast:   cfg.Directory.Broadcast,
			ProviderTTL: cfg.Directory.ProviderTTL.Duration,
		})
	default:
		dirs, err := cfg.DirectoryInfos()
		if err != nil {
			return nil, err
		}
		opts.StorePath = cfg.Peer.CachePath
		return node.NewPeer(node.PeerOptions{
			Options:        opts,
			Directories:    dirs,
			SharedDir:      cfg.Peer.SharedDir,
			Watch:          cfg.Peer.Watch,
			RequestTimeout: cfg.Peer.RequestTimeout.Duration,
		})
	}
}

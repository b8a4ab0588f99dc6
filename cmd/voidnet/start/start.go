package start

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/voidnet/api"
	"github.com/VanDung-dev/voidnet/network"
)

func Command() *cobra.Command {
	var (
		configFile       string
		host             string
		port             int
		transportName    string
		peers            []string
		metricsAddr      string
		healthAddr       string
		dedupWindow      time.Duration
		handshakeTimeout time.Duration
		logLevel         string
		logFormat        string
	)

	defaults := network.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a voidnet node.",
		Example: `
  # Standalone node
  voidnet start --port 7946

  # Join an existing network and expose metrics
  voidnet start --port 7947 --peer ws://127.0.0.1:7946 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			cfg := defaults
			if configFile != "" {
				if cfg, err = network.LoadConfig(configFile); err != nil {
					return err
				}
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("transport") {
				cfg.Transport = transportName
			}
			if flags.Changed("peer") {
				cfg.Peers = peers
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("health-addr") {
				cfg.HealthAddr = healthAddr
			}
			if flags.Changed("dedup-window") {
				cfg.DedupWindow = dedupWindow
			}
			if flags.Changed("handshake-timeout") {
				cfg.HandshakeTimeout = handshakeTimeout
			}
			cfg.Logger = logger

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := api.NewMetrics("voidnet", reg)

			node, err := network.NewNode(cfg, nil, network.WithRecorder(metrics))
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			group, ctx := errgroup.WithContext(cmd.Context())
			group.Go(func() error {
				return node.Run(ctx)
			})

			if cfg.MetricsAddr != "" {
				server := api.NewStatusServer(cfg.MetricsAddr, node, metrics, reg, logger)
				group.Go(func() error {
					return server.Run(ctx)
				})
			}

			if cfg.HealthAddr != "" {
				health := api.NewHealthServer(cfg.HealthAddr, node, 0, logger)
				group.Go(func() error {
					return health.Run(ctx)
				})
			}

			return group.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a JSON config file")
	flags.StringVarP(&host, "host", "H", defaults.Host, "hostname to listen on and advertise to peers")
	flags.IntVarP(&port, "port", "p", defaults.Port, "port to listen on, 0 picks a free one")
	flags.StringVarP(&transportName, "transport", "t", defaults.Transport, "transport to use: ws, zmq or tcp")
	flags.StringSliceVarP(&peers, "peer", "j", nil, "peer URI to connect to on start, may be repeated")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve metrics and topology on")
	flags.StringVar(&healthAddr, "health-addr", "", "address to serve gRPC health checks on")
	flags.DurationVar(&dedupWindow, "dedup-window", defaults.DedupWindow, "how long a message id is remembered")
	flags.DurationVar(&handshakeTimeout, "handshake-timeout", defaults.HandshakeTimeout, "how long a handshake may take")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

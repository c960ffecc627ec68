// Command modos creates, inspects, edits and shares multi-omics digital
// objects.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"modos/internal/config"
	"modos/internal/core"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries the state shared by every subcommand.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	v         *viper.Viper
	cfgFile   string
	verbose   bool
	cfg       config.Config
	endpoints *config.Endpoints
	logger    *slog.Logger
	metrics   core.MetricsRecorder
	registry  *prometheus.Registry
	expvar    *core.ExpvarMetricsRecorder
}

func cli(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr, v: config.New()}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "modos",
		Short: "Multi-omics digital objects",
		Long: `modos manages self-describing containers that bundle genomic files
with a validated metadata graph, locally or on S3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.flushMetrics()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.String("server", "", "modos server providing the service document")
	flags.String("s3-endpoint", "", "S3 endpoint for s3:// locations")
	flags.Bool("anonymous", false, "send unsigned S3 requests")
	_ = a.v.BindPFlag(config.KeyServer, flags.Lookup("server"))
	_ = a.v.BindPFlag(config.KeyS3Endpoint, flags.Lookup("s3-endpoint"))
	_ = a.v.BindPFlag(config.KeyS3Anonymous, flags.Lookup("anonymous"))

	root.AddCommand(
		a.createCmd(),
		a.showCmd(),
		a.addCmd(),
		a.updateCmd(),
		a.removeCmd(),
		a.transferCmd(),
		a.streamCmd(),
		a.c4ghCmd(),
		a.remoteCmd(),
		a.codesCmd(),
		a.catalogCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	a.cfg = cfg
	a.endpoints = cfg.Endpoints()
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	switch cfg.Metrics {
	case "expvar":
		a.expvar = core.NewExpvarMetricsRecorder("")
		a.metrics = a.expvar
	case "prometheus":
		a.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			return err
		}
		a.metrics = rec
	}
	a.logger.Debug("configured", "command", cmd.CommandPath(), "server", cfg.Server, "metrics", cfg.Metrics)
	return nil
}

// flushMetrics logs what the recorder collected during the command.
func (a *app) flushMetrics() {
	switch {
	case a.expvar != nil:
		snap := a.expvar.Snapshot()
		a.logger.Info("operation metrics", "results", snap.Results, "durations_ms", snap.DurationsMS)
	case a.registry != nil:
		families, err := a.registry.Gather()
		if err != nil {
			a.logger.Warn("gather metrics", "error", err)
			return
		}
		for _, f := range families {
			for _, m := range f.GetMetric() {
				labels := make([]string, 0, len(m.GetLabel()))
				for _, l := range m.GetLabel() {
					labels = append(labels, l.GetName()+"="+l.GetValue())
				}
				var value float64
				switch {
				case m.GetCounter() != nil:
					value = m.GetCounter().GetValue()
				case m.GetHistogram() != nil:
					value = float64(m.GetHistogram().GetSampleCount())
				}
				a.logger.Info("operation metrics", "metric", f.GetName(), "labels", strings.Join(labels, ","), "value", value)
			}
		}
	}
}

// objectOptions returns the core options for location.
func (a *app) objectOptions(ctx context.Context, location string) ([]core.Option, error) {
	opts := []core.Option{core.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, core.WithMetricsRecorder(a.metrics))
	}
	if strings.HasPrefix(location, "s3://") {
		s3cfg, err := a.cfg.S3For(ctx, a.endpoints)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithS3Config(s3cfg))
	}
	return opts, nil
}

func (a *app) load(ctx context.Context, location string) (*core.Object, error) {
	opts, err := a.objectOptions(ctx, location)
	if err != nil {
		return nil, err
	}
	return core.Load(ctx, location, opts...)
}

// Command emulator runs a mesh scenario on this server, either on its own
// or as one peer of a coordinated cluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mesh-emulator/internal/config"
	"github.com/signalsfoundry/mesh-emulator/internal/coord"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/internal/observability"
	"github.com/signalsfoundry/mesh-emulator/internal/scenario"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "emulator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("emulator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "scenario.yaml", "Path to the scenario file")
	join := fs.Bool("coordinator", false, "Join the coordinator at distributed.req_url instead of running locally")
	var ov config.Overrides
	ov.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithFlags(*path, fs, &ov)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: stderr,
	})

	tc := cfg.Observability.Tracing
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(observability.TracingConfig{
		Enabled:     tc.Enabled,
		ServiceName: tc.ServiceName,
		Exporter:    tc.Exporter,
		Endpoint:    tc.Endpoint,
		SampleRatio: tc.SampleRatio,
	}, config.DefaultTracingService), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	metricsSrv := observability.ServeMetrics(cfg.Observability.MetricsAddr, reg, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	opts := []scenario.Option{scenario.WithLogger(log), scenario.WithRegisterer(reg)}
	if *join {
		opts = append(opts, scenario.WithoutMobility())
	}
	env, err := scenario.NewEnv(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Warn(context.Background(), "closing ledger failed", logging.Err(err))
		}
	}()

	if !*join {
		sum, err := scenario.RunLocal(ctx, env)
		fmt.Fprintf(stdout, "steps=%d skipped=%d created=%d up=%d down=%d reimpaired=%d\n",
			sum.Steps, sum.Skipped, sum.Created, sum.Up, sum.Down, sum.Reimpaired)
		return err
	}
	return joinCluster(ctx, env, log)
}

func joinCluster(ctx context.Context, env *scenario.Env, log logging.Logger) error {
	d := env.Config.Distributed
	pc, err := env.PeerConfig()
	if err != nil {
		return err
	}

	// Subscribe before registering so no tick or reset is published unseen.
	sub, err := coord.DialSub(d.PubURL)
	if err != nil {
		return err
	}
	defer sub.Close()
	req, err := coord.DialReq(d.ReqURL)
	if err != nil {
		return err
	}
	defer req.Close()

	log.Info(ctx, "joining coordinator",
		logging.String("req_url", d.ReqURL),
		logging.String("mode", d.Mode),
		logging.Float("cpu_score", pc.Score.CPU),
		logging.Any("free_memory", pc.Score.FreeMemory),
	)
	return scenario.RunPeer(ctx, env, pc, req, sub)
}

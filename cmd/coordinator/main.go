// Command coordinator keeps a cluster of emulator peers on one clock and
// one topology.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/mesh-emulator/internal/capacity"
	"github.com/signalsfoundry/mesh-emulator/internal/config"
	"github.com/signalsfoundry/mesh-emulator/internal/coord"
	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/internal/observability"
	"github.com/signalsfoundry/mesh-emulator/internal/scenario"
	"github.com/signalsfoundry/mesh-emulator/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "scenario.yaml", "Path to the scenario file")
	printSchedule := fs.Bool("print-schedule", false, "Print the node placement for distributed.peers identical servers and exit")
	var ov config.Overrides
	ov.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithFlags(*path, fs, &ov)
	if err != nil {
		return err
	}
	d := cfg.Distributed
	if d.Peers < 1 {
		return fmt.Errorf("distributed.peers must be at least 1, got %d", d.Peers)
	}
	if *printSchedule {
		return writeSchedule(stdout, cfg)
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
	}, "mesh-coordinator"), log)
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

	// The coordinator never touches the host network.
	cfg.Network.Backend = "null"
	env, err := scenario.NewEnv(ctx, cfg, scenario.WithLogger(log), scenario.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer env.Close()

	health := coord.NewHealth()
	lis, err := net.Listen("tcp", d.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen health %s: %w", d.HealthAddr, err)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Warn(context.Background(), "health server exited", logging.Err(err))
		}
	}()
	defer health.Stop()

	rep, err := coord.ListenRep(d.ReqURL)
	if err != nil {
		return err
	}
	defer rep.Close()

	// Reset is broadcast in both modes.
	pub, err := coord.ListenPub(d.PubURL)
	if err != nil {
		return err
	}
	defer pub.Close()

	log.Info(ctx, "coordinator listening",
		logging.String("req_url", d.ReqURL),
		logging.String("pub_url", d.PubURL),
		logging.String("health_addr", lis.Addr().String()),
		logging.Int("peers", d.Peers),
	)
	return scenario.RunCoordinator(ctx, env, rep, pub, health)
}

// writeSchedule prints the placement the coordinator would pick if every
// peer reported this host's capacity.
func writeSchedule(w io.Writer, cfg config.Config) error {
	d := cfg.Distributed
	score, err := capacity.Probe()
	if err != nil {
		return err
	}
	scores := make(map[scheduler.ServerID]scheduler.Score, d.Peers)
	for id := 1; id <= d.Peers; id++ {
		scores[scheduler.ServerID(id)] = score
	}
	sched, err := scheduler.New(d.Policy, scores, d.PerNodeMemory)
	if err != nil {
		return err
	}
	a, err := sched.Distribute(cfg.NodeIDs(), d.Peers)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, a.Format())
	return err
}

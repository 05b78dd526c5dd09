package cli

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relayhttp "relay.evalgo.org/http"
	"relay.evalgo.org/queue"
	"relay.evalgo.org/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fake analytic worker",
	Long: `Run a fake analytic worker on the configured broker.

The worker consumes its request queue and answers every request on the reply
queue after a random delay, succeeding with the configured probability. With
--port it also serves the queue, schema and liveness endpoints the relay's
registry client and health monitor call.`,
	RunE: runSimulate,
}

var simulateOpts struct {
	analytic    string
	queue       string
	port        int
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateOpts.analytic, "analytic", "simple-analytic--v1_0_0", "analytic name")
	f.StringVar(&simulateOpts.queue, "queue", "", "request queue (defaults to the analytic name)")
	f.IntVar(&simulateOpts.port, "port", 0, "port for the worker endpoints, 0 to disable")
	f.Float64Var(&simulateOpts.successRate, "success-rate", simulator.DefaultSuccessRate, "fraction of requests that succeed")
	f.DurationVar(&simulateOpts.minDelay, "min-delay", simulator.DefaultMinDelay, "minimum response delay")
	f.DurationVar(&simulateOpts.maxDelay, "max-delay", simulator.DefaultMaxDelay, "maximum response delay")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := queue.New(cfg.Broker, log, nil)
	if err != nil {
		return err
	}
	defer transport.Close()

	sim := simulator.New(transport, simulator.Config{
		Analytic:    simulateOpts.analytic,
		Queue:       simulateOpts.queue,
		MinDelay:    simulateOpts.minDelay,
		MaxDelay:    simulateOpts.maxDelay,
		SuccessRate: simulateOpts.successRate,
		Logger:      log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(ctx) })
	if simulateOpts.port > 0 {
		srvCfg := relayhttp.ServerConfigFrom(cfg.Server)
		srvCfg.Port = simulateOpts.port
		e := relayhttp.NewEchoServer(srvCfg, log)
		sim.Register(e)
		g.Go(func() error { return relayhttp.Serve(ctx, e, srvCfg, log) })
	}
	return g.Wait()
}

// Command dataplaned runs the packet-processing dataplane: it loads a
// pipeline definition, launches workers paused, applies the configured graph
// and traffic-class tree, then resumes the workers and serves the control
// surface until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowmesh/dataplane/internal/config"
	"github.com/flowmesh/dataplane/internal/control"
	"github.com/flowmesh/dataplane/internal/module"
	"github.com/flowmesh/dataplane/internal/modules"
	"github.com/flowmesh/dataplane/internal/packet"
	"github.com/flowmesh/dataplane/internal/pipeline"
	"github.com/flowmesh/dataplane/pkg/logging"
	"github.com/flowmesh/dataplane/pkg/metrics"
)

var (
	cfgPath  string
	logLevel string
	pretty   bool
)

func main() {
	root := &cobra.Command{
		Use:          "dataplaned",
		Short:        "modular packet-processing dataplane",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "pipeline definition file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable log output")

	root.AddCommand(runCmd(), validateCmd())

	if err := root.Execute(); err != nil {
		color.Red("dataplaned: %v", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "launch workers and serve the control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: logLevel, Pretty: pretty})

			registry := module.NewRegistry()
			if err := modules.RegisterAll(registry); err != nil {
				return err
			}

			// A single simulation pool on socket 0 serves every worker; the real
			// hugepage allocator is an external collaborator and plugs in here.
			pools := map[int]packet.Pool{0: packet.NewSimPool(4096, 0)}

			p, err := pipeline.Build(cfg, registry, pools, log)
			if err != nil {
				return err
			}

			m := metrics.New()
			srv := control.New(cfg.Control, p, m, log)
			if err := srv.Start(); err != nil {
				return err
			}

			p.ResumeAll()
			color.Green("dataplane running: %d worker(s), control on %s", len(p.Workers()), cfg.Control.Listen)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					srv.BroadcastStats(statsSnapshot(p))
					for _, w := range p.Workers() {
						wid := strconv.Itoa(w.ID)
						m.SetWorkerIdleRatio(wid, w.Scheduler.Stats().IdleRatio())
					}
				case sig := <-stop:
					log.Info().Str("signal", sig.String()).Msg("shutting down")
					p.PauseAll()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(ctx)
				}
			}
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate a pipeline definition, printing the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			color.Green("configuration valid")
			fmt.Print(string(out))
			return nil
		},
	}
}

func statsSnapshot(p *pipeline.Pipeline) map[string]any {
	workers := p.Workers()
	ws := make([]map[string]any, 0, len(workers))
	for _, w := range workers {
		ws = append(ws, map[string]any{
			"id":           w.ID,
			"status":       w.Status().String(),
			"silent_drops": w.SilentDrops(),
			"idle_ratio":   w.Scheduler.Stats().IdleRatio(),
		})
	}
	tcs := make(map[string]any)
	for _, name := range p.TrafficClassNames() {
		if tc, ok := p.TrafficClass(name); ok {
			tcs[name] = map[string]any{
				"blocked":       tc.Blocked,
				"cnt_throttled": tc.CntThrottled,
				"packets":       tc.Stats.Packets,
				"bits":          tc.Stats.Bits,
			}
		}
	}
	return map[string]any{"workers": ws, "traffic_classes": tcs, "ts": time.Now().UnixNano()}
}

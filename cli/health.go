package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"relay.evalgo.org/common"
	"relay.evalgo.org/health"
	"relay.evalgo.org/registry"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Scan the catalog, probe every analytic once and print the unhealthy ones",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := OpenDurableLog(ctx, cfg.Durable)
	if err != nil {
		return err
	}
	defer store.Close()

	monitor := health.New(registry.NewClient(registry.ClientConfig{
		RegistryURL: cfg.Registry.URL,
		Timeout:     cfg.Registry.Timeout,
		Tag:         cfg.Registry.Tag,
		Logger:      log,
	}), store, health.Options{
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		ProbeConcurrency: cfg.Health.ProbeConcurrency,
		Logger:           log,
	})

	err = common.LogOperation(log, "health_scan", func() error {
		added, err := monitor.ScanCatalog(ctx)
		if err != nil {
			return fmt.Errorf("catalog scan failed: %w", err)
		}
		log.WithField("added", added).Debug("Catalog scanned")
		return monitor.CheckHealth(ctx)
	})
	if err != nil {
		return err
	}
	bad, err := monitor.Unhealthy(ctx)
	if err != nil {
		return err
	}
	return writeEntries(cmd.OutOrStdout(), bad)
}

func writeEntries(w io.Writer, entries []common.ServiceHealthEntry) error {
	if entries == nil {
		entries = []common.ServiceHealthEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

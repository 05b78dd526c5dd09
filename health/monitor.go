// Package health keeps the service health table: which analytics the catalog
// lists and whether each one answered its last probe.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
	"relay.evalgo.org/registry"
)

// EntryType is the type of entries created from the catalog.
const EntryType = "analytic"

const (
	DefaultInterval     = 500 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	DefaultConcurrency  = 8
)

// Options configures a Monitor.
type Options struct {
	CatalogInterval  time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	ClearOnStart     bool

	Logger  *common.ContextLogger
	Metrics *metrics.Metrics

	// HTTPClient is used for probes; its timeout is overridden by ProbeTimeout.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Monitor runs the catalog scan and the probe scan.
type Monitor struct {
	catalog registry.Catalog
	store   db.HealthStore
	opts    Options
	client  *http.Client
	log     *common.ContextLogger
	metrics *metrics.Metrics
}

// New returns a Monitor.
func New(catalog registry.Catalog, store db.HealthStore, opts Options) *Monitor {
	if opts.CatalogInterval <= 0 {
		opts.CatalogInterval = DefaultInterval
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = DefaultConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := &http.Client{}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		client = &c
	}
	client.Timeout = opts.ProbeTimeout

	return &Monitor{
		catalog: catalog,
		store:   store,
		opts:    opts,
		client:  client,
		log:     common.ComponentLogger(opts.Logger, "health"),
		metrics: opts.Metrics,
	}
}

// ScanCatalog adds an entry for every catalog analytic that has none yet and
// returns the number added. Entries are never removed here.
func (m *Monitor) ScanCatalog(ctx context.Context) (int, error) {
	names, err := m.catalog.Analytics(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list analytics: %w", err)
	}

	added := 0
	for _, name := range names {
		log := m.log.WithField("analytic", name)
		endpoint, err := m.catalog.Endpoint(ctx, name)
		if err != nil {
			log.WithError(err).Warn("No endpoint for analytic")
			continue
		}
		ok, err := m.store.AddHealthEntry(ctx, common.ServiceHealthEntry{
			Name: name,
			URL:  endpoint,
			Type: EntryType,
		})
		if err != nil {
			m.metrics.DurableLogFailures.WithLabelValues("add_health_entry").Inc()
			log.WithError(err).Error("Failed to add health entry")
			continue
		}
		if ok {
			added++
			log.WithField("url", endpoint).Info("Tracking new analytic")
		}
	}
	return added, nil
}

// CheckHealth probes every entry and records the results. A failing probe
// only affects its own entry.
func (m *Monitor) CheckHealth(ctx context.Context) error {
	entries, err := m.store.HealthEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load health entries: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ProbeConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			m.check(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) check(ctx context.Context, e common.ServiceHealthEntry) {
	log := m.log.WithFields(map[string]interface{}{"analytic": e.Name, "url": e.URL})

	start := time.Now()
	code, status := m.probe(ctx, e.URL)
	m.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	m.metrics.ProbeResults.WithLabelValues(strconv.Itoa(code)).Inc()

	if code != http.StatusOK {
		log.WithField("status", status).Warn("Health probe failed")
	}
	if err := m.store.UpdateHealth(ctx, e.Name, e.URL, code, status, m.opts.Now().UTC()); err != nil {
		m.metrics.DurableLogFailures.WithLabelValues("update_health").Inc()
		log.WithError(err).Error("Failed to record probe result")
	}
}

// probe returns 200 and the body for a 2xx answer, 500 and the error text
// otherwise. Both are truncated to the stored width.
func (m *Monitor) probe(ctx context.Context, url string) (int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return http.StatusInternalServerError, common.Truncate(err.Error(), common.MaxStatusStringLen)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return http.StatusInternalServerError, common.Truncate(err.Error(), common.MaxStatusStringLen)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return http.StatusInternalServerError, common.Truncate(err.Error(), common.MaxStatusStringLen)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("%s: %s", resp.Status, body)
		return http.StatusInternalServerError, common.Truncate(msg, common.MaxStatusStringLen)
	}
	return http.StatusOK, common.Truncate(string(body), common.MaxStatusStringLen)
}

// Unhealthy returns the entries whose last probe failed.
func (m *Monitor) Unhealthy(ctx context.Context) ([]common.ServiceHealthEntry, error) {
	return m.store.UnhealthyEntries(ctx)
}

// Run starts both loops and blocks until ctx is done. Each loop arms its next
// run before doing the work, so a slow scan does not push the schedule back.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.ClearOnStart {
		if err := m.store.ClearHealthEntries(ctx, EntryType); err != nil {
			m.log.WithError(err).Error("Failed to clear health entries")
		}
	}

	m.log.WithFields(map[string]interface{}{
		"catalog_interval": m.opts.CatalogInterval.String(),
		"probe_interval":   m.opts.ProbeInterval.String(),
	}).Info("Health monitor started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.loop(ctx, m.opts.ProbeInterval, "probe", m.CheckHealth)
	}()
	m.loop(ctx, m.opts.CatalogInterval, "catalog", func(ctx context.Context) error {
		_, err := m.ScanCatalog(ctx)
		return err
	})
	<-done
}

// loop runs work now and then every interval. The timer for the next run is
// armed before work starts; a run still in progress when it fires is not
// overlapped, the next one starts right after it.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, name string, work func(context.Context) error) {
	for {
		next := time.NewTimer(interval)
		func() {
			defer common.LogPanic(m.log)
			if err := work(ctx); err != nil && ctx.Err() == nil {
				m.log.WithError(err).WithField("scan", name).Error("Health scan failed")
			}
		}()

		select {
		case <-ctx.Done():
			next.Stop()
			return
		case <-next.C:
		}
	}
}

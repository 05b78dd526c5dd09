package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay.evalgo.org/common"
	"relay.evalgo.org/db"
	"relay.evalgo.org/metrics"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	endpoints map[string]string
	err       error
	calls     atomic.Int32
}

func (c *fakeCatalog) Analytics(context.Context) ([]string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	return names, nil
}

func (c *fakeCatalog) Endpoint(_ context.Context, name string) (string, error) {
	url, ok := c.endpoints[name]
	if !ok || url == "" {
		return "", errors.New("service not found in catalog")
	}
	return url, nil
}

func newMonitor(catalog *fakeCatalog, store db.HealthStore) (*Monitor, *metrics.Metrics) {
	m := metrics.Nop()
	return New(catalog, store, Options{
		ProbeTimeout: 200 * time.Millisecond,
		Metrics:      m,
		Now:          func() time.Time { return t0 },
	}), m
}

func TestScanCatalogAddsNewEntriesOnly(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryLog()
	catalog := &fakeCatalog{endpoints: map[string]string{
		"lung-seg--v1_0_0": "http://10.0.0.1:7106",
		"broken--v1_0_0":   "",
	}}
	mon, _ := newMonitor(catalog, store)

	added, err := mon.ScanCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	require.NoError(t, store.UpdateHealth(ctx, "lung-seg--v1_0_0", "http://10.0.0.1:7106", 200, "ok", t0))
	added, err = mon.ScanCatalog(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	entries, err := store.HealthEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryType, entries[0].Type)
	assert.Equal(t, 200, entries[0].StatusCode, "existing entry left alone")
}

func TestScanCatalogNeverRemoves(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryLog()
	catalog := &fakeCatalog{endpoints: map[string]string{"a": "http://a:1"}}
	mon, _ := newMonitor(catalog, store)

	_, err := mon.ScanCatalog(ctx)
	require.NoError(t, err)
	catalog.endpoints = map[string]string{}
	_, err = mon.ScanCatalog(ctx)
	require.NoError(t, err)

	entries, err := store.HealthEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScanCatalogFailure(t *testing.T) {
	mon, _ := newMonitor(&fakeCatalog{err: errors.New("consul down")}, db.NewMemoryLog())
	_, err := mon.ScanCatalog(context.Background())
	assert.ErrorContains(t, err, "consul down")
}

func TestCheckHealth(t *testing.T) {
	ctx := context.Background()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("lung-seg is alive"))
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 1000), http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	store := db.NewMemoryLog()
	for name, url := range map[string]string{
		"healthy": healthy.URL,
		"failing": failing.URL,
		"slow":    slow.URL,
		"down":    "http://127.0.0.1:1",
	} {
		_, err := store.AddHealthEntry(ctx, common.ServiceHealthEntry{Name: name, URL: url, Type: EntryType})
		require.NoError(t, err)
	}

	mon, m := newMonitor(&fakeCatalog{}, store)
	require.NoError(t, mon.CheckHealth(ctx))

	entries, err := store.HealthEntries(ctx)
	require.NoError(t, err)
	byName := map[string]common.ServiceHealthEntry{}
	for _, e := range entries {
		byName[e.Name] = e
		require.NotNil(t, e.LastChecked, e.Name)
		assert.LessOrEqual(t, len(e.StatusString), common.MaxStatusStringLen, e.Name)
	}

	assert.Equal(t, 200, byName["healthy"].StatusCode)
	assert.Equal(t, "lung-seg is alive", byName["healthy"].StatusString)
	for _, name := range []string{"failing", "slow", "down"} {
		assert.Equal(t, 500, byName[name].StatusCode, name)
		assert.NotEmpty(t, byName[name].StatusString, name)
	}
	assert.True(t, strings.HasPrefix(byName["failing"].StatusString, "503"))

	bad, err := mon.Unhealthy(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 3)
	assert.Equal(t, "down", bad[0].Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeResults.WithLabelValues("200")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProbeResults.WithLabelValues("500")))
}

func TestUnprobedEntriesAreNotUnhealthy(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryLog()
	_, err := store.AddHealthEntry(ctx, common.ServiceHealthEntry{Name: "a", URL: "http://a:1", Type: EntryType})
	require.NoError(t, err)

	mon, _ := newMonitor(&fakeCatalog{}, store)
	bad, err := mon.Unhealthy(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestRunClearsAndScans(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer worker.Close()

	store := db.NewMemoryLog()
	_, err := store.AddHealthEntry(context.Background(), common.ServiceHealthEntry{Name: "stale", URL: "http://gone:1", Type: EntryType})
	require.NoError(t, err)
	_, err = store.AddHealthEntry(context.Background(), common.ServiceHealthEntry{Name: "db", URL: "http://db:1", Type: "datastore"})
	require.NoError(t, err)

	catalog := &fakeCatalog{endpoints: map[string]string{"algo": worker.URL}}
	mon := New(catalog, store, Options{
		CatalogInterval: 10 * time.Millisecond,
		ProbeInterval:   10 * time.Millisecond,
		ClearOnStart:    true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		entries, err := store.HealthEntries(context.Background())
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Name == "algo" && e.StatusCode == 200 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, catalog.calls.Load(), int32(1))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	entries, err := store.HealthEntries(context.Background())
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"algo", "db"}, names, "only analytic entries are cleared")
}

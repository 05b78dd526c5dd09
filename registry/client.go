// Package registry is the service discovery client of the relay. It reads the
// Consul catalog to find analytic workers and asks each worker for its request
// queue and its parameter and result schemas.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"relay.evalgo.org/common"
)

var (
	// ErrServiceNotFound is returned when the catalog has no instance of a service.
	ErrServiceNotFound = errors.New("service not found in catalog")

	// ErrQueueUndefined is returned when a worker does not name its request queue.
	ErrQueueUndefined = errors.New("analytic did not report a request queue")
)

// Resolver maps an analytic name to its request queue.
type Resolver interface {
	ResolveQueue(ctx context.Context, analytic string) (string, error)
}

// Catalog lists analytics and their endpoints.
type Catalog interface {
	Analytics(ctx context.Context) ([]string, error)
	Endpoint(ctx context.Context, name string) (string, error)
}

// SchemaSource returns an analytic's parameter and result schemas, flattened
// to {fieldName: fieldSpec}.
type SchemaSource interface {
	Parameters(ctx context.Context, analytic string) (map[string]any, error)
	Results(ctx context.Context, analytic string) (map[string]any, error)
}

// Client talks to the Consul HTTP API and to the workers it lists.
type Client struct {
	registryURL string
	tag         string
	httpClient  *http.Client
	log         *common.ContextLogger
}

// ClientConfig contains configuration for creating a registry client
type ClientConfig struct {
	RegistryURL string // Base URL of the catalog (e.g., http://consul:8500)
	Timeout     time.Duration
	Tag         string // Tag that marks analytics, "analytic" when empty
	Logger      *common.ContextLogger
}

// CatalogService is one instance entry of /v1/catalog/service/<name>.
type CatalogService struct {
	ServiceName    string   `json:"ServiceName"`
	ServiceAddress string   `json:"ServiceAddress"`
	ServicePort    int      `json:"ServicePort"`
	ServiceTags    []string `json:"ServiceTags"`
	Address        string   `json:"Address"`
}

// NewClient creates a new registry client
func NewClient(config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tag := config.Tag
	if tag == "" {
		tag = "analytic"
	}

	return &Client{
		registryURL: strings.TrimRight(config.RegistryURL, "/"),
		tag:         tag,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: common.ComponentLogger(config.Logger, "registry"),
	}
}

func (c *Client) getJSON(ctx context.Context, uri string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", uri, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", uri, err)
	}
	return nil
}

// Analytics returns the names of all catalog services carrying the analytic tag, sorted.
func (c *Client) Analytics(ctx context.Context) ([]string, error) {
	var services map[string][]string
	if err := c.getJSON(ctx, c.registryURL+"/v1/catalog/services", &services); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(services))
	for name, tags := range services {
		for _, tag := range tags {
			if tag == c.tag {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Instances returns the catalog entries of name.
func (c *Client) Instances(ctx context.Context, name string) ([]CatalogService, error) {
	var instances []CatalogService
	uri := c.registryURL + "/v1/catalog/service/" + url.PathEscape(name)
	if err := c.getJSON(ctx, uri, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// Endpoint returns http://address:port of the first instance of name.
func (c *Client) Endpoint(ctx context.Context, name string) (string, error) {
	instances, err := c.Instances(ctx, name)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	inst := instances[0]
	addr := inst.ServiceAddress
	if addr == "" {
		addr = inst.Address
	}
	return fmt.Sprintf("http://%s:%d", addr, inst.ServicePort), nil
}

// ResolveQueue asks the analytic's worker for its request queue.
func (c *Client) ResolveQueue(ctx context.Context, analytic string) (string, error) {
	endpoint, err := c.Endpoint(ctx, analytic)
	if err != nil {
		return "", err
	}
	var out struct {
		Queue string `json:"queue"`
	}
	if err := c.getJSON(ctx, endpoint+"/v1/queue", &out); err != nil {
		return "", err
	}
	if out.Queue == "" {
		return "", fmt.Errorf("%w: %s", ErrQueueUndefined, analytic)
	}
	c.log.WithFields(map[string]interface{}{"analytic": analytic, "queue": out.Queue}).Debug("Resolved request queue")
	return out.Queue, nil
}

// Parameters returns the analytic's parameter schema.
func (c *Client) Parameters(ctx context.Context, analytic string) (map[string]any, error) {
	return c.schema(ctx, analytic, "/v1/parameters")
}

// Results returns the analytic's result schema.
func (c *Client) Results(ctx context.Context, analytic string) (map[string]any, error) {
	return c.schema(ctx, analytic, "/v1/results")
}

func (c *Client) schema(ctx context.Context, analytic, path string) (map[string]any, error) {
	endpoint, err := c.Endpoint(ctx, analytic)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := c.getJSON(ctx, endpoint+path, &raw); err != nil {
		return nil, err
	}
	return UnwrapSchema(analytic, raw), nil
}

// UnwrapSchema strips the {<analytic>: {...}} envelope workers put around
// their schemas. Schemas without the envelope are returned unchanged.
func UnwrapSchema(analytic string, raw map[string]any) map[string]any {
	if inner, ok := raw[analytic].(map[string]any); ok && len(raw) == 1 {
		return inner
	}
	return raw
}

// SeriesFields returns the sorted names of schema fields whose type is series.
func SeriesFields(schema map[string]any) []string {
	var names []string
	for name, spec := range schema {
		if common.FieldType(spec) == common.SeriesType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for SPARQL queries.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// FetchOption configures a SPARQLClient.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	cache       QueryCache
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts per query.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithCache stores raw query responses in cache.
func WithCache(cache QueryCache) FetchOption {
	return func(c *fetchConfig) {
		c.cache = cache
	}
}

// BindingValue is one term of a SPARQL JSON result row.
type BindingValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Binding is one SPARQL JSON result row.
type Binding map[string]BindingValue

// Get returns the value bound to name, or "" when unbound
func (b Binding) Get(name string) string {
	return b[name].Value
}

// Has reports whether name is bound
func (b Binding) Has(name string) bool {
	_, ok := b[name]
	return ok
}

// Int returns the value bound to name as an integer
func (b Binding) Int(name string) (int, error) {
	return strconv.Atoi(b[name].Value)
}

// SPARQLResults is the application/sparql-results+json document.
type SPARQLResults struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
}

// SPARQLClient runs SELECT queries against a SPARQL endpoint over HTTP GET.
type SPARQLClient struct {
	endpoint string
	cfg      fetchConfig
	client   *http.Client
}

// NewSPARQLClient creates a client for endpoint
func NewSPARQLClient(endpoint string, opts ...FetchOption) (*SPARQLClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("sparql: endpoint is empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("sparql: invalid endpoint: %w", err)
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &SPARQLClient{endpoint: endpoint, cfg: cfg, client: client}, nil
}

// Query runs query and decodes the JSON results. Transient failures are
// retried with exponential backoff; a response that does not decode is not.
func (c *SPARQLClient) Query(ctx context.Context, query string) (*SPARQLResults, error) {
	key := cacheKey(query)
	if c.cfg.cache != nil {
		if body, ok, err := c.cfg.cache.Get(ctx, key); err != nil {
			log.Warn("SPARQL cache read failed", "err", err)
		} else if ok {
			if res, err := decodeResults(body); err == nil {
				return res, nil
			}
		}
	}

	reqURL := c.endpoint + "?" + url.Values{"query": {query}, "output": {"json"}}.Encode()

	var lastErr error
	for attempt := range c.cfg.maxRetries {
		if attempt > 0 {
			backoff := c.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("sparql query: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, c.client, reqURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("sparql query: %w", ctx.Err())
			}
			lastErr = err
			continue
		}

		res, err := decodeResults(body)
		if err != nil {
			return nil, fmt.Errorf("sparql query: %w", err)
		}

		if c.cfg.cache != nil {
			if err := c.cfg.cache.Set(ctx, key, body); err != nil {
				log.Warn("SPARQL cache write failed", "err", err)
			}
		}
		return res, nil
	}

	return nil, fmt.Errorf("sparql query: all %d attempts failed: %w", c.cfg.maxRetries, lastErr)
}

func decodeResults(body []byte) (*SPARQLResults, error) {
	var res SPARQLResults
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("parsing JSON results: %w", err)
	}
	return &res, nil
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "sparql:" + hex.EncodeToString(sum[:])
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return body, nil
}

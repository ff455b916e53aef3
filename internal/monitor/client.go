package monitor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to the PMTA monitor HTTP endpoints in JSON mode. Responses
// drift across PMTA versions, so parsing walks the payload instead of
// binding to a fixed schema. Results are cached per endpoint class with a
// short TTL to keep the pressure controller from hammering the monitor.
type Client struct {
	Host   string
	Port   int
	APIKey string

	// InsecureRetry allows one retry with certificate verification off
	// when the HTTPS attempt fails to verify. Off by default; meant for
	// self-signed monitor deployments only.
	InsecureRetry bool

	// PlainHTTP skips the HTTPS attempt entirely.
	PlainHTTP bool

	// TTLs per endpoint class. Zero values get defaults.
	StatusTTL time.Duration
	QueuesTTL time.Duration
	DetailTTL time.Duration

	Timeout time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry
	client   *http.Client
	insecure *http.Client
	useHTTP  bool // set after HTTPS is observed to be unavailable
}

type cacheEntry struct {
	val any
	exp time.Time
}

// Status is the monitor's global view. A 200 with an empty body yields
// OK=true with zero counts; only transport failures clear OK.
type Status struct {
	OK               bool
	QueuedRecipients int
	SpoolRecipients  int
	DeferredTotal    int
	Connections      int
}

// QueueItem is one queue row from /queues or /queueDetail.
type QueueItem struct {
	Name       string
	Domain     string
	Recipients int
	Deferred   int
	Errors     int
}

// DomainStat is one receiver domain's aggregate from /domains or
// /domainDetail.
type DomainStat struct {
	Domain    string
	Queued    int
	Deferred  int
	Active    int
	Errors    int
	LastError string
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

func (c *Client) ttl(class string) time.Duration {
	switch class {
	case "status":
		if c.StatusTTL > 0 {
			return c.StatusTTL
		}
		return 5 * time.Second
	case "queues":
		if c.QueuesTTL > 0 {
			return c.QueuesTTL
		}
		return 10 * time.Second
	default:
		if c.DetailTTL > 0 {
			return c.DetailTTL
		}
		return 8 * time.Second
	}
}

// Status fetches /status?format=json.
func (c *Client) Status(ctx context.Context) (Status, error) {
	v, err := c.cached(ctx, "status", "/status?format=json", func(payload any) any {
		return parseStatus(payload)
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// Queues fetches /queues?format=json and returns the queue rows found.
func (c *Client) Queues(ctx context.Context) ([]QueueItem, error) {
	v, err := c.cached(ctx, "queues", "/queues?format=json", func(payload any) any {
		return parseQueueItems(payload)
	})
	if err != nil {
		return nil, err
	}
	return v.([]QueueItem), nil
}

// Domains fetches /domains?format=json.
func (c *Client) Domains(ctx context.Context) ([]DomainStat, error) {
	v, err := c.cached(ctx, "queues", "/domains?format=json", func(payload any) any {
		return parseDomainStats(payload)
	})
	if err != nil {
		return nil, err
	}
	return v.([]DomainStat), nil
}

// DomainDetail fetches /domainDetail for one receiver domain.
func (c *Client) DomainDetail(ctx context.Context, domain string) (DomainStat, error) {
	path := "/domainDetail?format=json&domain=" + url.QueryEscape(domain)
	v, err := c.cached(ctx, "detail", path, func(payload any) any {
		ds := parseDomainStats(payload)
		for _, d := range ds {
			if strings.EqualFold(d.Domain, domain) {
				return d
			}
		}
		if len(ds) > 0 {
			return ds[0]
		}
		d := DomainStat{Domain: domain}
		d.Queued, _ = deepInt(payload, "rcp", "rcpts", "recipients", "queued")
		d.Deferred, _ = deepInt(payload, "deferred", "defer")
		d.Errors, _ = deepInt(payload, "errors", "err")
		return d
	})
	if err != nil {
		return DomainStat{}, err
	}
	return v.(DomainStat), nil
}

// QueueDetail fetches /queueDetail for one queue.
func (c *Client) QueueDetail(ctx context.Context, queue string) ([]QueueItem, error) {
	path := "/queueDetail?format=json&queue=" + url.QueryEscape(queue)
	v, err := c.cached(ctx, "detail", path, func(payload any) any {
		return parseQueueItems(payload)
	})
	if err != nil {
		return nil, err
	}
	return v.([]QueueItem), nil
}

func (c *Client) cached(ctx context.Context, class, path string, parse func(any) any) (any, error) {
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	if e, ok := c.cache[path]; ok && time.Now().Before(e.exp) {
		c.mu.Unlock()
		return e.val, nil
	}
	c.mu.Unlock()

	payload, err := c.getJSON(ctx, path)
	if err != nil {
		return nil, err
	}
	val := parse(payload)
	c.mu.Lock()
	c.cache[path] = cacheEntry{val: val, exp: time.Now().Add(c.ttl(class))}
	c.mu.Unlock()
	return val, nil
}

func (c *Client) httpClients() (*http.Client, *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout()}
	}
	if c.insecure == nil && c.InsecureRetry {
		c.insecure = &http.Client{
			Timeout: c.timeout(),
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return c.client, c.insecure
}

// getJSON fetches one endpoint. HTTPS is tried first; a certificate
// verification failure triggers the insecure retry when enabled, and a plain
// connection failure on the HTTPS port falls back to HTTP for the life of
// the client.
func (c *Client) getJSON(ctx context.Context, path string) (any, error) {
	client, insecure := c.httpClients()

	c.mu.Lock()
	useHTTP := c.useHTTP || c.PlainHTTP
	c.mu.Unlock()

	schemes := []string{"https", "http"}
	if useHTTP {
		schemes = []string{"http"}
	}

	var lastErr error
	for _, scheme := range schemes {
		body, err := c.fetch(ctx, client, scheme, path)
		if err == nil {
			if scheme == "http" {
				c.mu.Lock()
				c.useHTTP = true
				c.mu.Unlock()
			}
			return decodeBody(body)
		}
		lastErr = err
		if isCertError(err) && insecure != nil {
			body, ierr := c.fetch(ctx, insecure, "https", path)
			if ierr == nil {
				return decodeBody(body)
			}
			lastErr = ierr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) fetch(ctx context.Context, client *http.Client, scheme, path string) ([]byte, error) {
	u := fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitor request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("monitor read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitor returned %d for %s", resp.StatusCode, path)
	}
	return body, nil
}

func decodeBody(body []byte) (any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("monitor payload decode: %w", err)
	}
	return payload, nil
}

func isCertError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return true
	}
	return strings.Contains(err.Error(), "certificate")
}

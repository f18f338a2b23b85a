package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrUpstreamUnavailable is reported by [UpstreamAvailable] when every
// upstream circuit breaker is open.
var ErrUpstreamUnavailable = errors.New("all upstream circuit breakers are open")

// UpstreamAvailable returns a checker that fails while available reports
// false. Wire it to the relay's breaker group so that a load balancer stops
// routing new sessions to an instance that would reject them anyway.
func UpstreamAvailable(available func() bool) Checker {
	return Checker{
		Name: "upstream",
		Check: func(context.Context) error {
			if !available() {
				return ErrUpstreamUnavailable
			}
			return nil
		},
	}
}

// ProbeOption configures [OpenAIProbe].
type ProbeOption func(*probeConfig)

type probeConfig struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
}

// WithProbeBaseURL sets the upstream base URL. Realtime WebSocket URLs
// (wss://host/v1/realtime) are mapped to the matching REST base
// (https://host/v1/).
func WithProbeBaseURL(u string) ProbeOption {
	return func(c *probeConfig) { c.baseURL = u }
}

// WithProbeHTTPClient sets the HTTP client used for the probe.
func WithProbeHTTPClient(hc *http.Client) ProbeOption {
	return func(c *probeConfig) { c.httpClient = hc }
}

// WithProbeCacheTTL caches a successful probe for d. Default: 1 minute.
func WithProbeCacheTTL(d time.Duration) ProbeOption {
	return func(c *probeConfig) { c.cacheTTL = d }
}

// OpenAIProbe returns a checker that verifies the API key can see model by
// retrieving it through the OpenAI REST API. Successful results are cached so
// frequent /readyz polling does not turn into API traffic.
func OpenAIProbe(apiKey, model string, opts ...ProbeOption) Checker {
	cfg := probeConfig{cacheTTL: time.Minute}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(RESTBaseURL(cfg.baseURL)))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	client := oai.NewClient(reqOpts...)

	var (
		mu     sync.Mutex
		lastOK time.Time
	)
	return Checker{
		Name: "credentials",
		Check: func(ctx context.Context) error {
			mu.Lock()
			fresh := !lastOK.IsZero() && time.Since(lastOK) < cfg.cacheTTL
			mu.Unlock()
			if fresh {
				return nil
			}

			if _, err := client.Models.Get(ctx, model); err != nil {
				var apiErr *oai.Error
				if errors.As(err, &apiErr) {
					return fmt.Errorf("openai: model %q: HTTP %d", model, apiErr.StatusCode)
				}
				return fmt.Errorf("openai: model %q: %w", model, err)
			}

			mu.Lock()
			lastOK = time.Now()
			mu.Unlock()
			return nil
		},
	}
}

// RESTBaseURL maps a realtime WebSocket base URL onto the REST API base the
// OpenAI SDK expects. Other URLs are returned with a trailing slash.
func RESTBaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/realtime")
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	return u.String()
}

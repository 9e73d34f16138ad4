// Package webclient builds the resty clients the sign-in bots talk to their
// sites with, and the fallback chain that walks from an anti-bot transport
// down to plain HTTP.
package webclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signin-bots/internal/components/assert"
	"signin-bots/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

const report_chain_do = "chain.do"

// Strategy names one way of building a client.
type Strategy string

const (
	// StrategyBypass uses a transport that mimics a browser TLS handshake and
	// headers to get past cloudflare.
	StrategyBypass Strategy = "bypass"
	// StrategyPlain is an unmodified net/http transport.
	StrategyPlain Strategy = "plain"
)

// Options configures a client, the zero value is usable.
type Options struct {
	BaseUrl   string
	UserAgent string
	Headers   map[string]string
	// Cookies is a raw browser cookie string, it seeds the cookie jar.
	Cookies string
	// Jar replaces the jar New would build from Cookies.
	Jar http.CookieJar

	Proxy    Proxy
	UseProxy bool
	// VerifySSL turns certificate verification on, several of the sites
	// serve broken chains so it defaults to off.
	VerifySSL bool

	Timeout time.Duration
	// RequestsPerSecond limits outgoing requests, 0 disables the limiter.
	RequestsPerSecond float64
	// RetryOn5xx retries idempotent failures and 500/502/503/504 responses.
	RetryOn5xx int
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return time.Second * 30
	}
	return o.Timeout
}

func (o Options) userAgent() string {
	if o.UserAgent == "" {
		return DefaultUserAgent
	}
	return o.UserAgent
}

func newTransport(opts Options) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !opts.VerifySSL,
	}
	transport.Proxy = nil
	if opts.UseProxy {
		proxyFunc, err := opts.Proxy.ProxyFunc()
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxyFunc
	}
	return transport, nil
}

// New builds a resty client for the given strategy.
func New(opts Options, strategy Strategy, tel telemetry.API) (*resty.Client, error) {
	assert.NotNil(tel, "tel")

	transport, err := newTransport(opts)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	if opts.BaseUrl != "" {
		client.SetBaseURL(opts.BaseUrl)
	}
	jar := opts.Jar
	if jar == nil {
		jar, err = NewJar(opts.BaseUrl, opts.Cookies)
		if err != nil {
			return nil, err
		}
	}
	client.SetCookieJar(jar)

	switch strategy {
	case StrategyBypass:
		bypass := cloudflarebp.AddCloudFlareByPass(transport)
		// the bypass swaps in its own tls config on the same transport
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = !opts.VerifySSL
		client.SetTransport(bypass)
	case StrategyPlain:
		client.SetTransport(transport)
	default:
		return nil, fmt.Errorf("unknown client strategy %q", strategy)
	}

	client.SetHeader("user-agent", opts.userAgent())
	client.SetHeaders(opts.Headers)
	client.SetTimeout(opts.timeout())

	if opts.RetryOn5xx > 0 {
		client.SetRetryCount(opts.RetryOn5xx)
		client.SetRetryWaitTime(time.Second)
		client.AddRetryCondition(func(res *resty.Response, err error) bool {
			if err != nil || res == nil {
				return true
			}
			switch res.StatusCode() {
			case 500, 502, 503, 504:
				return true
			}
			return false
		})
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(client, telemetry.NewScopedAPI(string(strategy), tel))
	return client, nil
}

type chainLink struct {
	strategy Strategy
	client   *resty.Client
}

// Chain holds one client per strategy and tries them in order.
type Chain struct {
	links []chainLink
	tel   telemetry.API
}

// DefaultStrategies is the order most bots use, anti-bot first.
var DefaultStrategies = []Strategy{StrategyBypass, StrategyPlain}

func NewChain(opts Options, tel telemetry.API, strategies ...Strategy) (*Chain, error) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	// the links share one jar so a session started on one survives a fallback
	if opts.Jar == nil {
		jar, err := NewJar(opts.BaseUrl, opts.Cookies)
		if err != nil {
			return nil, err
		}
		opts.Jar = jar
	}
	chain := &Chain{tel: tel}
	for _, s := range strategies {
		client, err := New(opts, s, tel)
		if err != nil {
			return nil, err
		}
		chain.links = append(chain.links, chainLink{strategy: s, client: client})
	}
	return chain, nil
}

// IsChallenge reports whether res is a cloudflare interstitial instead of the site.
func IsChallenge(res *resty.Response) bool {
	if res == nil {
		return false
	}
	if res.StatusCode() != http.StatusForbidden && res.StatusCode() != http.StatusServiceUnavailable {
		return false
	}
	if res.Header().Get("cf-mitigated") == "challenge" {
		return true
	}
	body := res.String()
	return strings.Contains(body, "Just a moment...") || strings.Contains(body, "cf-chl")
}

// ErrChallenge is returned when every strategy was answered with a challenge page.
var ErrChallenge = errors.New("blocked by anti-bot challenge")

// Do runs send with each client in turn until one returns a response that
// is not a transport error or a challenge page.
func (c *Chain) Do(ctx context.Context, send func(req *resty.Request) (*resty.Response, error)) (*resty.Response, Strategy, error) {
	var errs []error
	var last *resty.Response
	for _, link := range c.links {
		res, err := send(link.client.R().SetContext(ctx))
		if err == nil && !IsChallenge(res) {
			return res, link.strategy, nil
		}
		if err == nil {
			err = ErrChallenge
			last = res
		}
		c.tel.ReportWarning(report_chain_do, link.strategy, err)
		errs = append(errs, fmt.Errorf("%s: %w", link.strategy, err))

		if ctx.Err() != nil {
			break
		}
	}
	return last, "", errors.Join(errs...)
}

package httpclient

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/mermi/metrics-controller/pkg/version"
)

// UserAgent is sent with every request made through clients from this package.
var UserAgent = fmt.Sprintf("MetricsController/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (h *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	r2.Header.Set("User-Agent", UserAgent)
	for k, v := range h.headers {
		r2.Header.Set(k, v)
	}
	return h.rt.RoundTrip(r2)
}

type options struct {
	timeout   time.Duration
	headers   map[string]string
	transport http.RoundTripper
}

type Opt func(*options)

// WithTimeout bounds the whole request, including reading the body.
func WithTimeout(d time.Duration) Opt {
	return func(o *options) {
		o.timeout = d
	}
}

// WithHeader adds a static header. Empty names or values are ignored.
func WithHeader(name, value string) Opt {
	return func(o *options) {
		if name == "" || value == "" {
			return
		}
		o.headers[name] = value
	}
}

// WithTransport replaces http.DefaultTransport as the underlying transport.
func WithTransport(rt http.RoundTripper) Opt {
	return func(o *options) {
		o.transport = rt
	}
}

func NewHTTPClient(opts ...Opt) *http.Client {
	o := options{
		timeout:   30 * time.Second,
		headers:   map[string]string{},
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &http.Client{
		Timeout: o.timeout,
		Transport: &headerTransport{
			headers: o.headers,
			rt:      o.transport,
		},
	}
}

package connectivity

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Prober produces one connectivity sample per call.
type Prober interface {
	Probe(ctx context.Context) Sample
}

// HTTPProber measures the origin link by fetching a probe URL and timing
// the transfer. The URL should serve a payload of a few tens of kilobytes;
// throughput estimated from a handful of header bytes says nothing about
// the link.
type HTTPProber struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProber builds a prober for the given URL.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Probe fetches the probe URL once. Any transport error, timeout, or
// origin-side failure reads as a timed-out sample.
func (p *HTTPProber) Probe(ctx context.Context) Sample {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Sample{TimedOut: true, At: start.UTC()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{RTT: time.Since(start), TimedOut: true, At: start.UTC()}
	}
	defer resp.Body.Close()

	moved, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if err != nil || resp.StatusCode >= http.StatusInternalServerError {
		return Sample{RTT: elapsed, TimedOut: true, At: start.UTC()}
	}
	return NewSample(elapsed, int(moved), false)
}

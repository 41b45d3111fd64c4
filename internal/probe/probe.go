// Package probe polls a playback URL and reports whether the stream is live.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 10 * time.Second
	requestTimeout  = 5 * time.Second
)

// Prober issues HEAD requests against a playback URL. A 2xx response means
// the stream is live; anything else, including a transport error, means it
// is not.
type Prober struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Logger   zerolog.Logger
}

func New(url string, interval time.Duration, log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Prober{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: requestTimeout},
		Logger:   log.With().Str("playback_url", url).Logger(),
	}
}

// Live performs a single probe.
func (p *Prober) Live(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		p.Logger.Warn().Err(err).Msg("invalid playback url")
		return false
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		p.Logger.Debug().Err(err).Msg("playback probe failed")
		return false
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes immediately and then every Interval until ctx is done. fn is
// called with the first result and on every change after that.
func (p *Prober) Run(ctx context.Context, fn func(live bool)) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	live := p.Live(ctx)
	fn(live)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := p.Live(ctx)
			if next != live {
				live = next
				p.Logger.Info().Bool("live", live).Msg("stream availability changed")
				fn(live)
			}
		}
	}
}

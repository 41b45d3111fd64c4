package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLive(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"not found", http.StatusNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := New(srv.URL+"/live/index.m3u8", time.Second, zerolog.Nop())
			assert.Equal(t, tt.want, p.Live(context.Background()))
		})
	}
}

func TestLiveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(url, time.Second, zerolog.Nop())
	assert.False(t, p.Live(context.Background()))
}

func TestRunReportsChanges(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.URL, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan bool, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, func(live bool) { results <- live })
	}()

	require.False(t, <-results)
	up.Store(true)

	select {
	case live := <-results:
		assert.True(t, live)
	case <-time.After(2 * time.Second):
		t.Fatal("change not reported")
	}

	cancel()
	<-done
}

package rates_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/rates"
)

type fakeSource struct {
	mu    sync.Mutex
	rate  int64
	fail  bool
	hits  int
	serve *httptest.Server
}

func newFakeSource(t *testing.T, rate int64) *fakeSource {
	t.Helper()
	src := &fakeSource{rate: rate}
	src.serve = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src.mu.Lock()
		defer src.mu.Unlock()
		src.hits++
		if src.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"rate": %d}`, src.rate)
	}))
	t.Cleanup(src.serve.Close)
	return src
}

func (f *fakeSource) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeSource) setRate(rate int64) {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
}

func (f *fakeSource) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func newService(t *testing.T, src *fakeSource, clk *clock.FakeClock) rates.Service {
	t.Helper()
	return rates.NewService(rates.Params{
		Cfg:   config.Config{RatesSourceURL: src.serve.URL},
		Log:   zap.NewNop(),
		Clock: clk,
	})
}

func TestCurrentFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(t, 43_000_000)
	clk := clock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, src, clk)

	quote, err := svc.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if quote.Rate != 43_000_000 || quote.Base != "BTC" || quote.Counter != "XOF" {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if quote.Stale {
		t.Fatal("fresh quote marked stale")
	}

	// Inside the cache window the source is not consulted again.
	if _, err := svc.Current(ctx); err != nil {
		t.Fatalf("cached current: %v", err)
	}
	if src.hitCount() != 1 {
		t.Fatalf("expected 1 source hit, got %d", src.hitCount())
	}

	clk.Advance(16 * time.Minute)
	if _, err := svc.Current(ctx); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if src.hitCount() != 2 {
		t.Fatalf("expected refetch after ttl, got %d hits", src.hitCount())
	}
}

func TestCurrentServesStaleOnSourceFailure(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(t, 43_000_000)
	clk := clock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, src, clk)

	if _, err := svc.Current(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}

	clk.Advance(16 * time.Minute)
	src.setFail(true)

	quote, err := svc.Current(ctx)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if !quote.Stale || quote.Rate != 43_000_000 {
		t.Fatalf("expected stale last-good quote, got %+v", quote)
	}
}

func TestCurrentFailsWithoutFallback(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(t, 43_000_000)
	src.setFail(true)
	clk := clock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, src, clk)

	if _, err := svc.Current(ctx); err != rates.ErrRateUnavailable {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestRefreshForcesFetch(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(t, 43_000_000)
	clk := clock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, src, clk)

	if _, err := svc.Current(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}

	src.setRate(44_500_000)
	quote, err := svc.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if quote.Rate != 44_500_000 {
		t.Fatalf("expected refreshed rate, got %d", quote.Rate)
	}
	if src.hitCount() != 2 {
		t.Fatalf("expected 2 source hits, got %d", src.hitCount())
	}

	// The refreshed quote is now the cached one.
	quote, err = svc.Current(ctx)
	if err != nil {
		t.Fatalf("current after refresh: %v", err)
	}
	if quote.Rate != 44_500_000 {
		t.Fatalf("expected cached refreshed rate, got %d", quote.Rate)
	}
}

func TestXOFForSats(t *testing.T) {
	quote := rates.Quote{Rate: 43_000_000}
	cases := []struct {
		sats int64
		want int64
	}{
		{100_000_000, 43_000_000},
		{250_000_000, 107_500_000},
		{1_000, 430},
		{2_970, 1_277},
		{0, 0},
	}
	for _, tc := range cases {
		if got := quote.XOFForSats(tc.sats); got != tc.want {
			t.Fatalf("XOFForSats(%d): expected %d, got %d", tc.sats, tc.want, got)
		}
	}
}

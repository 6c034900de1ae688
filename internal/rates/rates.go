// Package rates serves the BTC/XOF display rate. Settlement stays in sats;
// the rate only feeds display conversions on read paths.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
)

var ErrRateUnavailable = errors.New("rate_unavailable")

const (
	rateTTL      = 15 * time.Minute
	fetchTimeout = 10 * time.Second
	cacheKey     = "rates:btc_xof"
)

// Quote is one observed BTC/XOF rate. Rate is XOF per whole BTC; XOF has no
// minor unit.
type Quote struct {
	Base      string    `json:"base"`
	Counter   string    `json:"counter"`
	Rate      int64     `json:"rate"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// XOFForSats converts a sats amount at this quote. Split at the whole-BTC
// boundary so the intermediate product stays inside int64.
func (q Quote) XOFForSats(sats int64) int64 {
	const satsPerBTC = 100_000_000
	whole := sats / satsPerBTC
	rem := sats % satsPerBTC
	return whole*q.Rate + rem*q.Rate/satsPerBTC
}

type Service interface {
	// Current returns a fresh quote, falling back to the last good quote
	// (marked stale) when the source is unreachable.
	Current(ctx context.Context) (Quote, error)

	// Refresh forces a source fetch, warming both cache layers.
	Refresh(ctx context.Context) (Quote, error)
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock

	Redis *redis.Client `optional:"true"`
}

type service struct {
	sourceURL string
	log       *zap.Logger
	clock     clock.Clock
	redis     *redis.Client
	client    *http.Client

	mu   sync.RWMutex
	last *Quote
}

func NewService(p Params) Service {
	return &service{
		sourceURL: p.Cfg.RatesSourceURL,
		log:       p.Log.Named("rates.service"),
		clock:     p.Clock,
		redis:     p.Redis,
		client:    &http.Client{Timeout: fetchTimeout},
	}
}

func (s *service) Current(ctx context.Context) (Quote, error) {
	if quote, ok := s.localFresh(); ok {
		return quote, nil
	}
	if quote, ok := s.redisFresh(ctx); ok {
		s.store(quote)
		return quote, nil
	}

	quote, err := s.fetch(ctx)
	if err == nil {
		s.store(quote)
		s.cacheSet(ctx, quote)
		return quote, nil
	}

	// Stale-while-error: a dated rate beats no rate on a display path.
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil {
		stale := *last
		stale.Stale = true
		s.log.Warn("serving stale rate", zap.Time("fetched_at", last.FetchedAt), zap.Error(err))
		return stale, nil
	}

	s.log.Warn("rate fetch failed with no fallback", zap.Error(err))
	return Quote{}, ErrRateUnavailable
}

func (s *service) Refresh(ctx context.Context) (Quote, error) {
	quote, err := s.fetch(ctx)
	if err != nil {
		return Quote{}, err
	}
	s.store(quote)
	s.cacheSet(ctx, quote)
	return quote, nil
}

func (s *service) localFresh() (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil || !s.fresh(s.last.FetchedAt) {
		return Quote{}, false
	}
	return *s.last, true
}

func (s *service) redisFresh(ctx context.Context) (Quote, bool) {
	if s.redis == nil {
		return Quote{}, false
	}
	raw, err := s.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("rate cache read failed", zap.Error(err))
		}
		return Quote{}, false
	}
	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return Quote{}, false
	}
	if !s.fresh(quote.FetchedAt) {
		return Quote{}, false
	}
	return quote, true
}

func (s *service) fetch(ctx context.Context) (Quote, error) {
	if s.sourceURL == "" {
		return Quote{}, errors.New("rates source not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sourceURL, nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("rates source returned %d", resp.StatusCode)
	}

	var body struct {
		Rate int64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, err
	}
	if body.Rate <= 0 {
		return Quote{}, fmt.Errorf("rates source returned invalid rate %d", body.Rate)
	}

	return Quote{
		Base:      "BTC",
		Counter:   "XOF",
		Rate:      body.Rate,
		FetchedAt: s.clock.Now().UTC(),
	}, nil
}

func (s *service) store(quote Quote) {
	s.mu.Lock()
	s.last = &quote
	s.mu.Unlock()
}

func (s *service) cacheSet(ctx context.Context, quote Quote) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKey, raw, rateTTL).Err(); err != nil {
		s.log.Warn("rate cache write failed", zap.Error(err))
	}
}

func (s *service) fresh(fetchedAt time.Time) bool {
	return s.clock.Now().Sub(fetchedAt) < rateTTL
}

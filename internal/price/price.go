package price

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ckstats/ckstatsd/internal/config"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// Quote is a fiat conversion rate for one BTC.
type Quote struct {
	Currency  string    `json:"currency"`
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Service fetches the BTC spot price from CoinGecko behind a small
// in-process TTL cache. A nil service reports no price available.
type Service struct {
	mu        sync.Mutex
	lastQuote Quote
	lastErr   error

	currency string
	ttl      time.Duration
	baseURL  string
	client   *http.Client
}

func New(cfg config.PriceConfig) *Service {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		currency: currency,
		ttl:      cfg.TTL,
		baseURL:  strings.TrimRight(base, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Quote returns the cached BTC price, refreshing from CoinGecko when the
// cache entry expired. Callers should treat an error as "no price
// available" rather than failing the surrounding request.
func (s *Service) Quote(ctx context.Context) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("price service not initialized")
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastQuote.FetchedAt.IsZero() && now.Sub(s.lastQuote.FetchedAt) < s.ttl && s.lastErr == nil {
		return s.lastQuote, nil
	}

	price, err := s.fetch(ctx)
	if err != nil {
		s.lastErr = err
		// Serve the previous quote when one exists.
		if s.lastQuote.Price > 0 {
			return s.lastQuote, nil
		}
		return Quote{}, err
	}

	s.lastQuote = Quote{Currency: s.currency, Price: price, FetchedAt: now}
	s.lastErr = nil
	return s.lastQuote, nil
}

func (s *Service) fetch(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=bitcoin&vs_currencies=%s", s.baseURL, s.currency)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price http status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var body map[string]map[string]float64
	if err := sonic.Unmarshal(data, &body); err != nil {
		return 0, err
	}
	btc, ok := body["bitcoin"]
	if !ok {
		return 0, fmt.Errorf("price response missing bitcoin key")
	}
	price, ok := btc[s.currency]
	if !ok {
		return 0, fmt.Errorf("price response missing %s key", s.currency)
	}
	return price, nil
}

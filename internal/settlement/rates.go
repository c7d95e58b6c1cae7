package settlement

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

const rateCacheTTL = 5 * time.Minute

// Converter translates amounts in the currency of record into the
// settlement network's smallest unit. Rates come from an external source
// and are cached briefly; when the source is unreachable a configured
// fallback rate keeps transfers flowing.
type Converter struct {
	sourceURL    string
	fallbackRate float64
	httpClient   *http.Client
	logger       *logrus.Logger

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
}

// NewConverter creates a currency converter. An empty sourceURL disables
// remote lookups entirely and pins the fallback rate.
func NewConverter(sourceURL string, fallbackRate float64, timeout time.Duration) *Converter {
	return &Converter{
		sourceURL:    sourceURL,
		fallbackRate: fallbackRate,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       utils.GetLogger(),
	}
}

// Rate returns the current unit price of the settlement asset in the
// currency of record
func (c *Converter) Rate(ctx context.Context) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rate > 0 && time.Since(c.fetchedAt) < rateCacheTTL {
		return c.rate
	}

	if c.sourceURL == "" {
		return c.fallbackRate
	}

	rate, err := c.fetchRate(ctx)
	if err != nil || rate <= 0 {
		c.logger.WithFields(logrus.Fields{
			"source": c.sourceURL,
			"error":  errString(err),
		}).Warn("Rate source unavailable, using fallback rate")
		return c.fallbackRate
	}

	c.rate = rate
	c.fetchedAt = time.Now()
	return rate
}

// ToSmallestUnit converts an amount in the currency of record into the
// network's smallest unit, rounding half up
func (c *Converter) ToSmallestUnit(ctx context.Context, amount int64) int64 {
	rate := c.Rate(ctx)
	if rate <= 0 {
		rate = c.fallbackRate
	}
	asset := float64(amount) * rate
	return int64(math.Round(asset * 1e8))
}

func (c *Converter) fetchRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, utils.NewAppError(utils.ErrCodeExternal,
			"Rate source returned non-success status", resp.Status)
	}

	var result struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	return result.Rate, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

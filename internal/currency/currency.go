package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/models"
)

// countryCurrency maps supported country codes to their currencies.
// Anything unknown falls back to UZS.
var countryCurrency = map[string]string{
	"kz": "KZT",
	"uz": "UZS",
	"ru": "RUB",
	"by": "BYN",
}

// basePricesUZS are the promotion plan prices in Uzbek som.
var basePricesUZS = map[models.PromotionPlan]float64{
	models.PlanGold:    30000,
	models.PlanPremium: 50000,
	models.PlanVIP:     100000,
}

// fallbackRates are approximate USD-pivot rates used when the rate
// provider is unreachable.
var fallbackRates = map[[2]string]float64{
	{"USD", "UZS"}: 12500.0,
	{"USD", "KZT"}: 450.0,
	{"USD", "RUB"}: 90.0,
	{"USD", "BYN"}: 3.2,
	{"UZS", "KZT"}: 0.036,
	{"UZS", "RUB"}: 0.0072,
	{"UZS", "BYN"}: 0.000256,
	{"KZT", "RUB"}: 0.2,
	{"KZT", "BYN"}: 0.0071,
	{"RUB", "BYN"}: 0.0356,
}

// IConverter converts amounts between the currencies the marketplace
// charges in and prices plans/verification per country.
type IConverter interface {
	Convert(ctx context.Context, amount float64, from, to string) (float64, error)
	CurrencyForCountry(countryCode string) string
	PromotionPrice(ctx context.Context, plan models.PromotionPlan, countryCode string) (float64, string, error)
	VerificationPrice(ctx context.Context, countryCode string) (float64, string, error)
}

type converter struct {
	store      cache.Store
	httpClient *http.Client
	ratesURL   string
	priceUSD   float64
	cacheTTL   time.Duration
}

// NewConverter builds a converter that fetches live rates from ratesURL
// (an exchangerate-API compatible endpoint) and caches each pair's rate
// in the KV store.
func NewConverter(store cache.Store, ratesURL string, verificationPriceUSD float64, cacheTTL time.Duration) IConverter {
	return &converter{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ratesURL:   ratesURL,
		priceUSD:   verificationPriceUSD,
		cacheTTL:   cacheTTL,
	}
}

func (c *converter) CurrencyForCountry(countryCode string) string {
	if cur, ok := countryCurrency[countryCode]; ok {
		return cur
	}
	return "UZS"
}

// Convert converts amount between currencies, rounding to 2 decimal
// places. Rates are cached for the configured TTL; if the provider is
// down, the static fallback table is used (and cached too, so a broken
// provider is not hammered once per request).
func (c *converter) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	if from == to {
		return amount, nil
	}

	rate, err := c.rate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return math.Round(amount*rate*100) / 100, nil
}

func (c *converter) rate(ctx context.Context, from, to string) (float64, error) {
	cacheKey := fmt.Sprintf("exchange_rate:%s:%s", from, to)
	if raw, err := c.store.Get(ctx, cacheKey); err == nil {
		var rate float64
		if json.Unmarshal(raw, &rate) == nil && rate > 0 {
			return rate, nil
		}
	}

	rate, err := c.fetchRate(ctx, from, to)
	if err != nil {
		log.Printf("currency: rate provider failed for %s->%s, using fallback: %v", from, to, err)
		rate = fallbackRate(from, to)
	}

	if raw, err := json.Marshal(rate); err == nil {
		if err := c.store.Set(ctx, cacheKey, raw, c.cacheTTL); err != nil {
			log.Printf("currency: failed to cache rate %s->%s: %v", from, to, err)
		}
	}
	return rate, nil
}

type ratesResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

func (c *converter) fetchRate(ctx context.Context, from, to string) (float64, error) {
	url := fmt.Sprintf("%s/%s", c.ratesURL, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode rates response: %w", err)
	}
	rate, ok := body.Rates[to]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("rate provider has no rate for %s", to)
	}
	return rate, nil
}

// fallbackRate resolves a pair from the static table, inverting or
// pivoting through USD when the pair is not listed directly.
func fallbackRate(from, to string) float64 {
	if rate, ok := fallbackRates[[2]string{from, to}]; ok {
		return rate
	}
	if rate, ok := fallbackRates[[2]string{to, from}]; ok {
		return 1.0 / rate
	}
	usdFrom, okFrom := fallbackRates[[2]string{"USD", from}]
	usdTo, okTo := fallbackRates[[2]string{"USD", to}]
	if okFrom && okTo && usdFrom > 0 {
		return usdTo / usdFrom
	}
	return 1.0
}

// PromotionPrice returns the plan price in the country's currency.
// Uzbekistan gets the base price untouched; other countries get it
// converted from UZS.
func (c *converter) PromotionPrice(ctx context.Context, plan models.PromotionPlan, countryCode string) (float64, string, error) {
	base, ok := basePricesUZS[plan]
	if !ok {
		return 0, "", fmt.Errorf("unknown promotion plan %q", plan)
	}
	target := c.CurrencyForCountry(countryCode)
	if countryCode == "uz" {
		return base, "UZS", nil
	}
	price, err := c.Convert(ctx, base, "UZS", target)
	if err != nil {
		return 0, "", err
	}
	return price, target, nil
}

// VerificationPrice returns the badge price in the country's currency,
// converted from its USD base price.
func (c *converter) VerificationPrice(ctx context.Context, countryCode string) (float64, string, error) {
	target := c.CurrencyForCountry(countryCode)
	price, err := c.Convert(ctx, c.priceUSD, "USD", target)
	if err != nil {
		return 0, "", err
	}
	return price, target, nil
}

// Package quote answers one-shot price lookups against the Binance REST API.
package quote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"tickrelay.com/internal/feed"
	"tickrelay.com/pkg/ratelimit"
	"tickrelay.com/pkg/xerr"
)

const breakerName = "quote"

type Config struct {
	BaseURL string // e.g. https://api.binance.com
	Timeout time.Duration
}

type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

func (q Quote) String() string {
	return fmt.Sprintf("%s: %s", q.Symbol, feed.FormatDecimal(q.Price))
}

type Client struct {
	cfg      Config
	http     *http.Client
	breakers *ratelimit.Manager
	now      func() time.Time
}

func NewClient(cfg Config, breakers *ratelimit.Manager) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		now:      time.Now,
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Price returns the latest price for raw. Unknown symbols come back as
// ErrInvalidSymbol; transport trouble as UpstreamUnavailable.
func (c *Client) Price(ctx context.Context, raw string) (Quote, error) {
	sym, err := feed.NormalizeSymbol(raw)
	if err != nil {
		return Quote{}, err
	}

	var q Quote
	call := func() error {
		var cerr error
		q, cerr = c.fetch(ctx, sym)
		return cerr
	}
	if c.breakers != nil {
		err = c.breakers.Do(breakerName, call)
	} else {
		err = call()
	}
	if err != nil {
		if xerr.CodeOf(err) == xerr.InvalidSymbol {
			return Quote{}, err
		}
		return Quote{}, xerr.Wrap(err, xerr.UpstreamUnavailable, "price lookup failed")
	}
	return q, nil
}

func (c *Client) fetch(ctx context.Context, sym string) (Quote, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v3/ticker/price?symbol=" + url.QueryEscape(sym)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		// -1121: Invalid symbol
		if resp.StatusCode == http.StatusBadRequest && ae.Code == -1121 {
			return Quote{}, &xerr.CodeError{Code: xerr.InvalidSymbol, Msg: "unknown symbol " + sym}
		}
		return Quote{}, fmt.Errorf("ticker price: http %d: %s", resp.StatusCode, ae.Msg)
	}

	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return Quote{}, fmt.Errorf("ticker price: decode: %w", err)
	}
	price, err := decimal.NewFromString(tp.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("ticker price: %w", err)
	}
	return Quote{Symbol: tp.Symbol, Price: price, At: c.now()}, nil
}

package binance

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"tickrelay.com/internal/feed"
)

type bnCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// bnTrade covers both the aggTrade and trade payloads.
type bnTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

var (
	errNotTrade     = errors.New("not a trade event")
	errSymbol       = errors.New("frame for another symbol")
	errNonPositive  = errors.New("non-positive price")
	errMissingPrice = errors.New("missing price")
)

// ParseTrade decodes a combined-stream frame ({"stream":..,"data":{..}}) or a
// raw event frame into a Tick. want, when set, must match the frame symbol.
func ParseTrade(b []byte, want string, received time.Time) (feed.Tick, error) {
	var wrap bnCombined
	if err := json.Unmarshal(b, &wrap); err != nil {
		return feed.Tick{}, err
	}
	payload := []byte(wrap.Data)
	if len(payload) == 0 {
		payload = b
	}

	var a bnTrade
	if err := json.Unmarshal(payload, &a); err != nil {
		return feed.Tick{}, err
	}
	if a.EventType != "aggTrade" && a.EventType != "trade" {
		return feed.Tick{}, errNotTrade
	}
	sym := strings.ToUpper(a.Symbol)
	if want != "" && sym != want {
		return feed.Tick{}, errSymbol
	}
	if a.Price == "" {
		return feed.Tick{}, errMissingPrice
	}

	price, err := decimal.NewFromString(a.Price)
	if err != nil {
		return feed.Tick{}, err
	}
	if !price.IsPositive() {
		return feed.Tick{}, errNonPositive
	}
	qty := decimal.Zero
	if a.Qty != "" {
		if qty, err = decimal.NewFromString(a.Qty); err != nil {
			return feed.Tick{}, err
		}
	}

	id := a.TradeID
	if a.EventType == "aggTrade" {
		id = a.AggID
	}
	observed := received
	if a.TradeTime > 0 {
		observed = time.UnixMilli(a.TradeTime)
	}

	return feed.Tick{
		Source:     sourceName,
		Symbol:     sym,
		Price:      price,
		Quantity:   qty,
		TradeID:    strconv.FormatInt(id, 10),
		ObservedAt: observed,
		ReceivedAt: received,
	}, nil
}

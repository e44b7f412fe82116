package relay

import (
	"fmt"

	"tickrelay.com/internal/feed"
)

const (
	MsgNoActiveStream = "No active stream. Use /stream <symbol> to start one."
	MsgUnavailable    = "Live updates are unavailable right now, please try again later."
)

func MsgStarting(symbol string) string {
	return fmt.Sprintf("Starting live updates for %s. Use /stop to end them.", symbol)
}

func MsgAlreadyActive(symbol string) string {
	return fmt.Sprintf("Already streaming %s. Use /stop first.", symbol)
}

func MsgStillClosing(symbol string) string {
	return fmt.Sprintf("The %s stream is still closing, try again in a moment.", symbol)
}

func MsgInvalidSymbol(raw string) string {
	if raw == "" {
		return "Please give a symbol, e.g. /stream BTCUSDT"
	}
	return fmt.Sprintf("%q is not a valid symbol. Try something like BTCUSDT.", raw)
}

func MsgStopped(symbol string) string {
	return fmt.Sprintf("Stopped live updates for %s.", symbol)
}

func MsgConnectFailed(symbol string) string {
	return fmt.Sprintf("Could not connect to the price feed for %s. Please try again later.", symbol)
}

func MsgStreamEnded(symbol string) string {
	return fmt.Sprintf("The %s stream ended. Use /stream %s to start again.", symbol, symbol)
}

// FormatTick renders one tick. The price keeps the upstream scale.
func FormatTick(t feed.Tick) string {
	return fmt.Sprintf("%s: %s", t.Symbol, t.PriceString())
}

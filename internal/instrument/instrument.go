// Package instrument handles exchange/symbol parsing, normalization, and
// the historical-data token lookup used for candle requests.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported exchanges.
const (
	NSE = "NSE"
	BSE = "BSE"
)

var validExchanges = map[string]bool{
	NSE: true,
	BSE: true,
}

// symbolRegex matches exchange trading symbols such as RELIANCE, M&M,
// BAJAJ-AUTO or NIFTY23AUGFUT.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9&\-_.]{0,29}$`)

// QuoteTopicPrefix prefixes realtime topics carrying quote ticks.
const QuoteTopicPrefix = "quote:"

var (
	ErrInvalidKey      = errors.New("instrument: invalid key format")
	ErrInvalidExchange = errors.New("instrument: unsupported exchange")
	ErrInvalidSymbol   = errors.New("instrument: invalid symbol")
)

// Key identifies a tradable instrument on one exchange.
type Key struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// String returns the canonical EXCHANGE:SYMBOL form.
func (k Key) String() string { return k.Exchange + ":" + k.Symbol }

// Topic returns the realtime topic carrying quotes for k.
func (k Key) Topic() string { return QuoteTopicPrefix + k.String() }

// Normalize trims and upper-cases exchange and symbol and validates both.
func Normalize(exchange, symbol string) (Key, error) {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	if !validExchanges[ex] {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidExchange, exchange)
	}
	if !symbolRegex.MatchString(sym) {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return Key{Exchange: ex, Symbol: sym}, nil
}

// Parse parses an EXCHANGE:SYMBOL string.
func Parse(s string) (Key, error) {
	ex, sym, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %s (expected EXCHANGE:SYMBOL)", ErrInvalidKey, s)
	}
	return Normalize(ex, sym)
}

// ParseTopic extracts the instrument from a quote topic.
func ParseTopic(topic string) (Key, error) {
	rest, ok := strings.CutPrefix(topic, QuoteTopicPrefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: %s is not a quote topic", ErrInvalidKey, topic)
	}
	return Parse(rest)
}

// tokens maps instruments to the numeric identifiers the broker's
// historical-data API expects.
var tokens = map[Key]int64{
	{Exchange: NSE, Symbol: "RELIANCE"}: 738561,
	{Exchange: NSE, Symbol: "TCS"}:      2953217,
	{Exchange: NSE, Symbol: "INFY"}:     408065,
	{Exchange: BSE, Symbol: "RELIANCE"}: 500325,
}

// Token returns the historical-data token for k.
func Token(k Key) (int64, bool) {
	t, ok := tokens[k]
	return t, ok
}

package instrument

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	k, err := Normalize(" nse ", "reliance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Exchange != NSE {
		t.Errorf("expected exchange=NSE, got %s", k.Exchange)
	}
	if k.Symbol != "RELIANCE" {
		t.Errorf("expected symbol=RELIANCE, got %s", k.Symbol)
	}
	if k.String() != "NSE:RELIANCE" {
		t.Errorf("expected NSE:RELIANCE, got %s", k.String())
	}
	if k.Topic() != "quote:NSE:RELIANCE" {
		t.Errorf("unexpected topic %s", k.Topic())
	}
}

func TestNormalize_SpecialSymbols(t *testing.T) {
	for _, sym := range []string{"M&M", "BAJAJ-AUTO", "NIFTY23AUGFUT"} {
		if _, err := Normalize("NSE", sym); err != nil {
			t.Errorf("expected %q to be valid: %v", sym, err)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		exchange, symbol string
		want             error
	}{
		{"", "RELIANCE", ErrInvalidExchange},
		{"NYSE", "IBM", ErrInvalidExchange},
		{"NSE", "", ErrInvalidSymbol},
		{"NSE", "RELI ANCE", ErrInvalidSymbol},
		{"NSE", "-TCS", ErrInvalidSymbol},
		{"BSE", "THISSYMBOLISWAYTOOLONGTOBEREALONE", ErrInvalidSymbol},
	}
	for _, tc := range tests {
		_, err := Normalize(tc.exchange, tc.symbol)
		if !errors.Is(err, tc.want) {
			t.Errorf("Normalize(%q, %q): expected %v, got %v", tc.exchange, tc.symbol, tc.want, err)
		}
	}
}

func TestParse(t *testing.T) {
	k, err := Parse("bse:reliance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k != (Key{Exchange: BSE, Symbol: "RELIANCE"}) {
		t.Errorf("unexpected key %+v", k)
	}

	if _, err := Parse("RELIANCE"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestParseTopic(t *testing.T) {
	k, err := ParseTopic("quote:NSE:TCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Symbol != "TCS" {
		t.Errorf("expected TCS, got %s", k.Symbol)
	}
	if _, err := ParseTopic("user:abc"); err == nil {
		t.Error("expected error for non-quote topic")
	}
}

func TestToken(t *testing.T) {
	tok, ok := Token(Key{Exchange: NSE, Symbol: "TCS"})
	if !ok || tok != 2953217 {
		t.Errorf("expected TCS token 2953217, got %d (ok=%v)", tok, ok)
	}
	if _, ok := Token(Key{Exchange: NSE, Symbol: "UNKNOWN"}); ok {
		t.Error("expected no token for unknown symbol")
	}
}

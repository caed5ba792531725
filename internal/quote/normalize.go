package quote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// MoneyPlaces is the number of decimal places kept for every monetary field.
const MoneyPlaces = 2

var (
	// ErrMalformedResponse marks a source body that cannot be turned into a Quote.
	ErrMalformedResponse = errors.New("malformed price source response")

	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// SourceError is returned when the source answers with an explicit error field.
type SourceError struct {
	Message string
}

func (e *SourceError) Error() string {
	return "price source error: " + e.Message
}

// Unwrap lets errors.Is(err, ErrMalformedResponse) match source-signalled errors.
func (e *SourceError) Unwrap() error { return ErrMalformedResponse }

// Normalize converts a flat source body into a Quote.
//
// Field precedence: ask falls back to price, bid falls back to price; both must
// resolve. mid is (ask+bid)/2. change and change_percent are derived from mid and
// prev_close_price when the latter is present and non-zero. timestamp may be unix
// seconds, unix milliseconds or RFC3339; now is used when it is absent.
func Normalize(symbol Symbol, body []byte, now time.Time) (Quote, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Quote{}, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	if !gjson.ValidBytes(body) {
		return Quote{}, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Quote{}, fmt.Errorf("%w: body is not an object", ErrMalformedResponse)
	}

	if msg, ok := sourceError(doc.Get("error")); ok {
		return Quote{}, &SourceError{Message: msg}
	}

	price, err := optionalDecimal(doc, "price")
	if err != nil {
		return Quote{}, err
	}
	ask, err := optionalDecimal(doc, "ask")
	if err != nil {
		return Quote{}, err
	}
	bid, err := optionalDecimal(doc, "bid")
	if err != nil {
		return Quote{}, err
	}
	if !ask.Valid {
		ask = price
	}
	if !bid.Valid {
		bid = price
	}
	if !ask.Valid || !bid.Valid {
		return Quote{}, fmt.Errorf("%w: neither ask/bid nor price present", ErrMalformedResponse)
	}

	q := Quote{
		Symbol: symbol,
		Ask:    ask.Decimal,
		Bid:    bid.Decimal,
		Mid:    ask.Decimal.Add(bid.Decimal).Div(two),
	}

	fields := []struct {
		key string
		dst *decimal.NullDecimal
	}{
		{"prev_close_price", &q.PreviousClose},
		{"high_24h", &q.DayHigh},
		{"low_24h", &q.DayLow},
		{"open_price", &q.OpenPrice},
	}
	for _, f := range fields {
		v, err := optionalDecimal(doc, f.key)
		if err != nil {
			return Quote{}, err
		}
		*f.dst = v
	}

	if q.PreviousClose.Valid && !q.PreviousClose.Decimal.IsZero() {
		change := q.Mid.Sub(q.PreviousClose.Decimal)
		q.Change = decimal.NewNullDecimal(change)
		q.ChangePercent = decimal.NewNullDecimal(change.Div(q.PreviousClose.Decimal).Mul(hundred))
	}

	observed, err := parseTimestamp(doc.Get("timestamp"), now)
	if err != nil {
		return Quote{}, err
	}
	q.ObservedAt = observed

	return Round(q), nil
}

// Round applies money rounding to every monetary field of q.
func Round(q Quote) Quote {
	q.Bid = q.Bid.Round(MoneyPlaces)
	q.Ask = q.Ask.Round(MoneyPlaces)
	q.Mid = q.Mid.Round(MoneyPlaces)
	for _, f := range []*decimal.NullDecimal{&q.PreviousClose, &q.DayHigh, &q.DayLow, &q.OpenPrice, &q.Change, &q.ChangePercent} {
		if f.Valid {
			f.Decimal = f.Decimal.Round(MoneyPlaces)
		}
	}
	return q
}

func sourceError(r gjson.Result) (string, bool) {
	if !r.Exists() {
		return "", false
	}
	switch r.Type {
	case gjson.Null, gjson.False:
		return "", false
	case gjson.String:
		if strings.TrimSpace(r.Str) == "" {
			return "", false
		}
		return r.Str, true
	case gjson.JSON:
		if msg := r.Get("message"); msg.Exists() {
			return msg.String(), true
		}
		return r.Raw, true
	default:
		return r.String(), true
	}
}

func optionalDecimal(doc gjson.Result, key string) (decimal.NullDecimal, error) {
	r := doc.Get(key)
	if !r.Exists() || r.Type == gjson.Null {
		return decimal.NullDecimal{}, nil
	}

	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.TrimSpace(r.Str)
		if raw == "" {
			return decimal.NullDecimal{}, nil
		}
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: field %s is not numeric", ErrMalformedResponse, key)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: field %s: %v", ErrMalformedResponse, key, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func parseTimestamp(r gjson.Result, now time.Time) (time.Time, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return now.UTC(), nil
	}

	switch r.Type {
	case gjson.Number:
		return fromUnix(r.Int(), now), nil
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return now.UTC(), nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n, now), nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedResponse, s)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp has type %s", ErrMalformedResponse, r.Type)
	}
}

func fromUnix(n int64, now time.Time) time.Time {
	switch {
	case n <= 0:
		return now.UTC()
	case n > 1_000_000_000_000:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}

package marketdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports why a raw row could not become a Trade.
type ValidationError struct {
	Field   string
	Reason  string
	TradeID string
}

func (e *ValidationError) Error() string {
	if e.TradeID != "" {
		return fmt.Sprintf("trade %s: %s %s", e.TradeID, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 ms is September 2001; 1e12 s is far beyond any trade.
var epochMillisThreshold = decimal.New(1, 12)

// maxEpochMillis bounds epoch milliseconds to the year 33658, well inside int64.
var maxEpochMillis = decimal.New(1, 15)

// Normalize validates a raw row and converts it into a Trade with the
// timestamp truncated to Precision.
func Normalize(raw RawTrade) (Trade, error) {
	id := strings.TrimSpace(raw.TradeID)
	if id == "" {
		return Trade{}, &ValidationError{Field: "trade_id", Reason: "is empty"}
	}

	executedAt, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return Trade{}, &ValidationError{Field: "timestamp", Reason: err.Error(), TradeID: id}
	}

	side, err := ParseSide(raw.Side)
	if err != nil {
		return Trade{}, &ValidationError{Field: "side", Reason: err.Error(), TradeID: id}
	}

	size, err := parsePositive(raw.Size)
	if err != nil {
		return Trade{}, &ValidationError{Field: "size", Reason: err.Error(), TradeID: id}
	}

	price, err := parsePositive(raw.Price)
	if err != nil {
		return Trade{}, &ValidationError{Field: "price", Reason: err.Error(), TradeID: id}
	}

	return Trade{
		ID:            id,
		Symbol:        strings.ToUpper(strings.TrimSpace(raw.Symbol)),
		Side:          side,
		Size:          size,
		Price:         price,
		ExecutedAt:    executedAt,
		TickDirection: strings.TrimSpace(raw.TickDirection),
	}, nil
}

// ParseSide maps the feed/storage spellings of a side onto TradeSide.
func ParseSide(value string) (TradeSide, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "b", "buyer":
		return TradeSideBuy, nil
	case "sell", "s", "seller":
		return TradeSideSell, nil
	case "":
		return "", fmt.Errorf("is missing")
	default:
		return "", fmt.Errorf("unrecognized value %q", value)
	}
}

// ParseTimestamp accepts epoch seconds (optionally fractional), epoch milliseconds
// and RFC3339 timestamps. The result is UTC, truncated to Precision.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("is missing")
	}

	if epoch, err := decimal.NewFromString(value); err == nil {
		millis := epoch
		if epoch.LessThan(epochMillisThreshold) {
			millis = epoch.Shift(3)
		}
		millis = millis.Floor()
		if !millis.IsPositive() {
			return time.Time{}, fmt.Errorf("epoch %q must be positive", value)
		}
		if millis.GreaterThanOrEqual(maxEpochMillis) {
			return time.Time{}, fmt.Errorf("epoch %q out of range", value)
		}
		return time.UnixMilli(millis.IntPart()).UTC(), nil
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable %q", value)
	}
	if ts.UnixMilli() <= 0 {
		return time.Time{}, fmt.Errorf("%q is not after the unix epoch", value)
	}
	return ts.UTC().Truncate(Precision), nil
}

func parsePositive(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("is missing")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable %q", value)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", d.String())
	}
	return d, nil
}

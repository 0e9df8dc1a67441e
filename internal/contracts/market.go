package contracts

import "time"

// PriceObservation 일별 가격 관측치
// ⭐ SSOT: 피처 계산과 실현가 대조의 유일한 원천
type PriceObservation struct {
	InstrumentID string    `json:"instrument_id"`
	TradeDate    time.Time `json:"trade_date"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume"`
	OpenInterest *int64    `json:"open_interest,omitempty"`
}

// RealizedKey 실현가 조회 키 (종목, 거래일)
type RealizedKey struct {
	InstrumentID string
	Date         time.Time
}

// NewRealizedKey builds a key with the date truncated to a calendar day
func NewRealizedKey(instrumentID string, date time.Time) RealizedKey {
	return RealizedKey{InstrumentID: instrumentID, Date: DateOnly(date)}
}

// DateOnly truncates t to midnight UTC of its calendar date.
// All dates crossing package boundaries are normalized with it.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateLayout is the wire format for dates (API, CLI, cache keys)
const DateLayout = "2006-01-02"

// ParseDate parses YYYY-MM-DD into a normalized date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(t), nil
}

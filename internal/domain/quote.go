package domain

import "math"

// DepthLevels is the number of quote levels carried per side. The gateway
// populates levels 1-5; levels 6-10 are reserved and serialized as null.
const DepthLevels = 10

// Price validity window. Anything outside is an unset sentinel from the
// gateway and must be treated as zero.
const (
	minValidPrice = 1e-6
	maxValidPrice = 1e300
)

// Snapshot is the fixed-layout per-instrument quote record. It is a plain
// value type so the seqlock cache can copy it without indirection.
type Snapshot struct {
	InstrumentID string
	Datetime     string // "YYYY-MM-DD HH:MM:SS.mmm"
	Timestamp    uint64 // ms epoch at receive time

	AskPrice  [DepthLevels]float64
	AskVolume [DepthLevels]int
	BidPrice  [DepthLevels]float64
	BidVolume [DepthLevels]int

	LastPrice       float64
	Highest         float64
	Lowest          float64
	Open            float64
	Close           float64
	Volume          int
	Amount          float64
	OpenInterest    int64
	Settlement      float64
	UpperLimit      float64
	LowerLimit      float64
	PreOpenInterest int64
	PreSettlement   float64
	PreClose        float64
}

// RawDepth mirrors the gateway-native depth record.
type RawDepth struct {
	InstrumentID   string `json:"instrument_id"`
	TradingDay     string `json:"trading_day"` // YYYYMMDD
	UpdateTime     string `json:"update_time"` // HH:MM:SS
	UpdateMillisec int    `json:"update_millisec"`

	AskPrice1  float64 `json:"ask_price1"`
	AskVolume1 int     `json:"ask_volume1"`
	AskPrice2  float64 `json:"ask_price2"`
	AskVolume2 int     `json:"ask_volume2"`
	AskPrice3  float64 `json:"ask_price3"`
	AskVolume3 int     `json:"ask_volume3"`
	AskPrice4  float64 `json:"ask_price4"`
	AskVolume4 int     `json:"ask_volume4"`
	AskPrice5  float64 `json:"ask_price5"`
	AskVolume5 int     `json:"ask_volume5"`

	BidPrice1  float64 `json:"bid_price1"`
	BidVolume1 int     `json:"bid_volume1"`
	BidPrice2  float64 `json:"bid_price2"`
	BidVolume2 int     `json:"bid_volume2"`
	BidPrice3  float64 `json:"bid_price3"`
	BidVolume3 int     `json:"bid_volume3"`
	BidPrice4  float64 `json:"bid_price4"`
	BidVolume4 int     `json:"bid_volume4"`
	BidPrice5  float64 `json:"bid_price5"`
	BidVolume5 int     `json:"bid_volume5"`

	LastPrice        float64 `json:"last_price"`
	HighestPrice     float64 `json:"highest_price"`
	LowestPrice      float64 `json:"lowest_price"`
	OpenPrice        float64 `json:"open_price"`
	ClosePrice       float64 `json:"close_price"`
	Volume           int     `json:"volume"`
	Turnover         float64 `json:"turnover"`
	OpenInterest     float64 `json:"open_interest"`
	SettlementPrice  float64 `json:"settlement_price"`
	UpperLimitPrice  float64 `json:"upper_limit_price"`
	LowerLimitPrice  float64 `json:"lower_limit_price"`
	PreOpenInterest  float64 `json:"pre_open_interest"`
	PreSettlement    float64 `json:"pre_settlement_price"`
	PreClose         float64 `json:"pre_close_price"`
}

// ValidPrice reports whether a gateway price field carries a real value.
func ValidPrice(v float64) bool {
	return v > minValidPrice && v < maxValidPrice
}

// RoundPrice normalizes a price to two-decimal precision.
func RoundPrice(v float64) float64 {
	return math.Round(v*100.0) / 100.0
}

// gatedPrice returns the normalized price, or 0 when the field is unset.
func gatedPrice(v float64) float64 {
	if !ValidPrice(v) {
		return 0
	}
	return RoundPrice(v)
}

// ComposeDatetime assembles "YYYY-MM-DD HH:MM:SS.mmm" from the gateway's
// trading day and update time by direct character composition.
func ComposeDatetime(tradingDay, updateTime string, millisec int) string {
	var buf [23]byte
	n := 0

	if len(tradingDay) >= 8 && tradingDay[0] >= '0' && tradingDay[0] <= '9' {
		buf[0] = tradingDay[0]
		buf[1] = tradingDay[1]
		buf[2] = tradingDay[2]
		buf[3] = tradingDay[3]
		buf[4] = '-'
		buf[5] = tradingDay[4]
		buf[6] = tradingDay[5]
		buf[7] = '-'
		buf[8] = tradingDay[6]
		buf[9] = tradingDay[7]
		buf[10] = ' '
		n = 11
	}

	if len(updateTime) >= 8 {
		copy(buf[n:], updateTime[:8])
		n += 8
		buf[n] = '.'
		buf[n+1] = byte('0' + millisec/100%10)
		buf[n+2] = byte('0' + millisec/10%10)
		buf[n+3] = byte('0' + millisec%10)
		n += 4
	}

	return string(buf[:n])
}

// BuildSnapshot converts a raw gateway depth record into the fan-out
// snapshot layout. Asks are written 5 down to 1, bids 1 up to 5; the raw
// validity window gates every price field.
func BuildSnapshot(raw *RawDepth, displayID string, nowMillis uint64) Snapshot {
	if raw == nil {
		return Snapshot{}
	}

	s := Snapshot{
		InstrumentID: displayID,
		Datetime:     ComposeDatetime(raw.TradingDay, raw.UpdateTime, raw.UpdateMillisec),
		Timestamp:    nowMillis,
	}

	askPrices := [5]float64{raw.AskPrice1, raw.AskPrice2, raw.AskPrice3, raw.AskPrice4, raw.AskPrice5}
	askVolumes := [5]int{raw.AskVolume1, raw.AskVolume2, raw.AskVolume3, raw.AskVolume4, raw.AskVolume5}
	for i := 4; i >= 0; i-- {
		if ValidPrice(askPrices[i]) {
			s.AskPrice[i] = RoundPrice(askPrices[i])
			s.AskVolume[i] = askVolumes[i]
		}
	}

	bidPrices := [5]float64{raw.BidPrice1, raw.BidPrice2, raw.BidPrice3, raw.BidPrice4, raw.BidPrice5}
	bidVolumes := [5]int{raw.BidVolume1, raw.BidVolume2, raw.BidVolume3, raw.BidVolume4, raw.BidVolume5}
	for i := 0; i < 5; i++ {
		if ValidPrice(bidPrices[i]) {
			s.BidPrice[i] = RoundPrice(bidPrices[i])
			s.BidVolume[i] = bidVolumes[i]
		}
	}

	s.LastPrice = gatedPrice(raw.LastPrice)
	s.Highest = gatedPrice(raw.HighestPrice)
	s.Lowest = gatedPrice(raw.LowestPrice)
	s.Open = gatedPrice(raw.OpenPrice)
	s.Close = gatedPrice(raw.ClosePrice)

	s.Volume = raw.Volume
	s.Amount = raw.Turnover
	s.OpenInterest = int64(raw.OpenInterest)

	s.Settlement = gatedPrice(raw.SettlementPrice)
	s.UpperLimit = gatedPrice(raw.UpperLimitPrice)
	s.LowerLimit = gatedPrice(raw.LowerLimitPrice)

	s.PreOpenInterest = int64(raw.PreOpenInterest)
	s.PreSettlement = gatedPrice(raw.PreSettlement)
	s.PreClose = gatedPrice(raw.PreClose)

	return s
}

// Equal reports whether two snapshots are field-for-field identical.
// Float comparison is exact: every price has been rounded to two decimals
// before it got here.
func (s *Snapshot) Equal(o *Snapshot) bool {
	return *s == *o
}

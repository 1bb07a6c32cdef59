// Package server is the downstream WebSocket surface: client sessions, the
// peek/poll diff engine, and the wire frames they exchange.
package server

import (
	"bytes"
	"strconv"

	"qamd/internal/domain"
)

// Frames are composed by hand into a bytes.Buffer. Two reasons encoding/json
// cannot serve here: the quote object's key order is part of the wire
// contract, and diff frames emit an arbitrary subset of fields per
// instrument.

func appendString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Quote(s))
}

func appendFloat(buf *bytes.Buffer, v float64) {
	buf.Write(strconv.AppendFloat(buf.AvailableBuffer(), v, 'f', -1, 64))
}

func appendInt(buf *bytes.Buffer, v int64) {
	buf.Write(strconv.AppendInt(buf.AvailableBuffer(), v, 10))
}

func appendUint(buf *bytes.Buffer, v uint64) {
	buf.Write(strconv.AppendUint(buf.AvailableBuffer(), v, 10))
}

// fieldWriter emits comma-separated "key":value pairs inside an object that
// is already open.
type fieldWriter struct {
	buf   *bytes.Buffer
	wrote bool
}

func (w *fieldWriter) key(name string) {
	if w.wrote {
		w.buf.WriteByte(',')
	}
	w.wrote = true
	w.buf.WriteByte('"')
	w.buf.WriteString(name)
	w.buf.WriteString(`":`)
}

func (w *fieldWriter) str(name, v string) {
	w.key(name)
	appendString(w.buf, v)
}

func (w *fieldWriter) f64(name string, v float64) {
	w.key(name)
	appendFloat(w.buf, v)
}

func (w *fieldWriter) i64(name string, v int64) {
	w.key(name)
	appendInt(w.buf, v)
}

func (w *fieldWriter) u64(name string, v uint64) {
	w.key(name)
	appendUint(w.buf, v)
}

func (w *fieldWriter) null(name string) {
	w.key(name)
	w.buf.WriteString("null")
}

func (w *fieldWriter) boolean(name string, v bool) {
	w.key(name)
	if v {
		w.buf.WriteString("true")
	} else {
		w.buf.WriteString("false")
	}
}

var (
	askPriceKeys  = [5]string{"ask_price1", "ask_price2", "ask_price3", "ask_price4", "ask_price5"}
	askVolumeKeys = [5]string{"ask_volume1", "ask_volume2", "ask_volume3", "ask_volume4", "ask_volume5"}
	bidPriceKeys  = [5]string{"bid_price1", "bid_price2", "bid_price3", "bid_price4", "bid_price5"}
	bidVolumeKeys = [5]string{"bid_volume1", "bid_volume2", "bid_volume3", "bid_volume4", "bid_volume5"}
)

// encodeFullQuote writes the complete quote object. Key order is fixed:
// asks 10 down to 1 with levels 10-6 null, bids 1 up to 10 with 6-10 null,
// then the scalar block with "average" always null.
func encodeFullQuote(buf *bytes.Buffer, s *domain.Snapshot) {
	buf.WriteByte('{')
	w := fieldWriter{buf: buf}

	w.str("instrument_id", s.InstrumentID)
	w.str("datetime", s.Datetime)
	w.u64("timestamp", s.Timestamp)

	for lvl := 10; lvl >= 6; lvl-- {
		n := strconv.Itoa(lvl)
		w.null("ask_price" + n)
		w.null("ask_volume" + n)
	}
	for i := 4; i >= 0; i-- {
		w.f64(askPriceKeys[i], s.AskPrice[i])
		w.i64(askVolumeKeys[i], int64(s.AskVolume[i]))
	}

	for i := 0; i < 5; i++ {
		w.f64(bidPriceKeys[i], s.BidPrice[i])
		w.i64(bidVolumeKeys[i], int64(s.BidVolume[i]))
	}
	for lvl := 6; lvl <= 10; lvl++ {
		n := strconv.Itoa(lvl)
		w.null("bid_price" + n)
		w.null("bid_volume" + n)
	}

	w.f64("last_price", s.LastPrice)
	w.f64("highest", s.Highest)
	w.f64("lowest", s.Lowest)
	w.f64("open", s.Open)
	w.f64("close", s.Close)
	w.null("average")
	w.i64("volume", int64(s.Volume))
	w.f64("amount", s.Amount)
	w.i64("open_interest", s.OpenInterest)
	w.f64("settlement", s.Settlement)
	w.f64("upper_limit", s.UpperLimit)
	w.f64("lower_limit", s.LowerLimit)
	w.i64("pre_open_interest", s.PreOpenInterest)
	w.f64("pre_settlement", s.PreSettlement)
	w.f64("pre_close", s.PreClose)

	buf.WriteByte('}')
}

// encodeDiffQuote writes only the fields that changed between old and new.
// Float comparison is exact: both sides went through the same two-decimal
// rounding on the way in. Returns false when the object came out empty.
func encodeDiffQuote(buf *bytes.Buffer, old, new *domain.Snapshot) bool {
	buf.WriteByte('{')
	w := fieldWriter{buf: buf}

	if old.InstrumentID != new.InstrumentID {
		w.str("instrument_id", new.InstrumentID)
	}
	if old.Datetime != new.Datetime {
		w.str("datetime", new.Datetime)
	}
	if old.Timestamp != new.Timestamp {
		w.u64("timestamp", new.Timestamp)
	}

	for i := 0; i < 5; i++ {
		if old.AskPrice[i] != new.AskPrice[i] {
			w.f64(askPriceKeys[i], new.AskPrice[i])
		}
		if old.AskVolume[i] != new.AskVolume[i] {
			w.i64(askVolumeKeys[i], int64(new.AskVolume[i]))
		}
	}
	for i := 0; i < 5; i++ {
		if old.BidPrice[i] != new.BidPrice[i] {
			w.f64(bidPriceKeys[i], new.BidPrice[i])
		}
		if old.BidVolume[i] != new.BidVolume[i] {
			w.i64(bidVolumeKeys[i], int64(new.BidVolume[i]))
		}
	}

	priceDiff := func(name string, oldV, newV float64) {
		if oldV != newV {
			w.f64(name, newV)
		}
	}
	priceDiff("last_price", old.LastPrice, new.LastPrice)
	priceDiff("highest", old.Highest, new.Highest)
	priceDiff("lowest", old.Lowest, new.Lowest)
	priceDiff("open", old.Open, new.Open)
	priceDiff("close", old.Close, new.Close)
	priceDiff("upper_limit", old.UpperLimit, new.UpperLimit)
	priceDiff("lower_limit", old.LowerLimit, new.LowerLimit)
	priceDiff("pre_settlement", old.PreSettlement, new.PreSettlement)
	priceDiff("pre_close", old.PreClose, new.PreClose)
	priceDiff("settlement", old.Settlement, new.Settlement)

	if old.Volume != new.Volume {
		w.i64("volume", int64(new.Volume))
	}
	if old.Amount != new.Amount {
		w.f64("amount", new.Amount)
	}
	if old.OpenInterest != new.OpenInterest {
		w.i64("open_interest", new.OpenInterest)
	}
	if old.PreOpenInterest != new.PreOpenInterest {
		w.i64("pre_open_interest", new.PreOpenInterest)
	}

	buf.WriteByte('}')
	return w.wrote
}

// rtnDataFrame assembles the full envelope around already-encoded per-
// instrument quote objects:
//
//	{"aid":"rtn_data","data":[{"quotes":{...}},{meta}]}
type rtnDataFrame struct {
	buf   bytes.Buffer
	count int
}

func newRtnDataFrame() *rtnDataFrame {
	f := &rtnDataFrame{}
	f.buf.WriteString(`{"aid":"rtn_data","data":[{"quotes":{`)
	return f
}

// addFull appends a full quote object keyed by its display id.
func (f *rtnDataFrame) addFull(displayID string, snap *domain.Snapshot) {
	f.sep()
	appendString(&f.buf, displayID)
	f.buf.WriteByte(':')
	encodeFullQuote(&f.buf, snap)
}

// addDiff appends a diff quote object; an empty diff is rolled back.
func (f *rtnDataFrame) addDiff(displayID string, old, new *domain.Snapshot) {
	mark := f.buf.Len()
	f.sep()
	appendString(&f.buf, displayID)
	f.buf.WriteByte(':')
	if !encodeDiffQuote(&f.buf, old, new) {
		f.buf.Truncate(mark)
		f.count--
	}
}

func (f *rtnDataFrame) sep() {
	if f.count > 0 {
		f.buf.WriteByte(',')
	}
	f.count++
}

// Empty reports whether no quote objects were added.
func (f *rtnDataFrame) Empty() bool { return f.count == 0 }

// Bytes closes the quotes object and appends the trailing meta object.
func (f *rtnDataFrame) Bytes() []byte {
	f.buf.WriteString(`}},{"account_id":"","ins_list":"","mdhis_more_data":false}]}`)
	return f.buf.Bytes()
}

// welcomeFrame greets a freshly connected client.
func welcomeFrame(sessionID string, upstreamConnected bool, nowMillis int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	w := fieldWriter{buf: &buf}
	w.str("type", "welcome")
	w.str("message", "Connected to QAMD MarketData Server")
	w.str("session_id", sessionID)
	w.boolean("ctp_connected", upstreamConnected)
	w.i64("timestamp", nowMillis)
	buf.WriteByte('}')
	return buf.Bytes()
}

// errorFrame reports a request-level failure to the client.
func errorFrame(msg string, nowMillis int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	w := fieldWriter{buf: &buf}
	w.str("type", "error")
	w.str("message", msg)
	w.i64("timestamp", nowMillis)
	buf.WriteByte('}')
	return buf.Bytes()
}

// subscribeOKFrame acknowledges a subscribe_quote request. The dispatcher
// places the instruments asynchronously; the ack never waits for upstream.
func subscribeOKFrame() []byte {
	return []byte(`{"aid":"subscribe_quote","status":"ok"}`)
}

package server

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"qamd/internal/domain"
)

func sampleSnapshot() domain.Snapshot {
	s := domain.Snapshot{
		InstrumentID: "SHFE.si2609",
		Datetime:     "2026-08-24 10:15:30.250",
		Timestamp:    1756000000000,
		LastPrice:    3568.2,
		Highest:      3570.0,
		Lowest:       3550.0,
		Open:         3555.0,
		Volume:       152000,
		Amount:       5.4e9,
		OpenInterest: 250000,
	}
	s.AskPrice[0] = 3568.4
	s.AskVolume[0] = 10
	s.BidPrice[0] = 3568.0
	s.BidVolume[0] = 12
	return s
}

// topLevelKeys decodes an object and returns its keys in wire order.
func topLevelKeys(t *testing.T, data []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		t.Fatalf("not an object: %v %v", tok, err)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		key, ok := tok.(string)
		if !ok {
			t.Fatalf("expected key, got %v", tok)
		}
		keys = append(keys, key)

		// Skip the value belonging to this key.
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			t.Fatalf("skip value of %q: %v", key, err)
		}
	}
	return keys
}

func TestFullQuoteKeyOrder(t *testing.T) {
	snap := sampleSnapshot()
	var buf bytes.Buffer
	encodeFullQuote(&buf, &snap)

	want := []string{
		"instrument_id", "datetime", "timestamp",
		"ask_price10", "ask_volume10", "ask_price9", "ask_volume9",
		"ask_price8", "ask_volume8", "ask_price7", "ask_volume7",
		"ask_price6", "ask_volume6",
		"ask_price5", "ask_volume5", "ask_price4", "ask_volume4",
		"ask_price3", "ask_volume3", "ask_price2", "ask_volume2",
		"ask_price1", "ask_volume1",
		"bid_price1", "bid_volume1", "bid_price2", "bid_volume2",
		"bid_price3", "bid_volume3", "bid_price4", "bid_volume4",
		"bid_price5", "bid_volume5",
		"bid_price6", "bid_volume6", "bid_price7", "bid_volume7",
		"bid_price8", "bid_volume8", "bid_price9", "bid_volume9",
		"bid_price10", "bid_volume10",
		"last_price", "highest", "lowest", "open", "close",
		"average", "volume", "amount", "open_interest",
		"settlement", "upper_limit", "lower_limit",
		"pre_open_interest", "pre_settlement", "pre_close",
	}
	got := topLevelKeys(t, buf.Bytes())
	if !reflect.DeepEqual(got, want) {
		t.Errorf("key order mismatch:\ngot  %v\nwant %v", got, want)
	}
}

func TestFullQuoteValues(t *testing.T) {
	snap := sampleSnapshot()
	var buf bytes.Buffer
	encodeFullQuote(&buf, &snap)

	var obj map[string]any
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if obj["instrument_id"] != "SHFE.si2609" {
		t.Errorf("instrument_id = %v", obj["instrument_id"])
	}
	if obj["last_price"] != 3568.2 {
		t.Errorf("last_price = %v", obj["last_price"])
	}
	if obj["ask_price1"] != 3568.4 {
		t.Errorf("ask_price1 = %v", obj["ask_price1"])
	}

	// Reserved levels and the average field are always null.
	for _, key := range []string{"ask_price10", "ask_volume6", "bid_price7", "bid_volume10", "average"} {
		if v, present := obj[key]; !present || v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
}

func TestDiffQuoteOnlyChangedFields(t *testing.T) {
	old := sampleSnapshot()
	new := old
	new.LastPrice = 3569.0
	new.AskPrice[0] = 3569.2
	new.Timestamp = old.Timestamp + 500

	var buf bytes.Buffer
	if !encodeDiffQuote(&buf, &old, &new) {
		t.Fatal("diff reported empty")
	}

	var obj map[string]any
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	want := map[string]any{
		"timestamp":  float64(new.Timestamp),
		"ask_price1": 3569.2,
		"last_price": 3569.0,
	}
	if !reflect.DeepEqual(obj, want) {
		t.Errorf("diff = %v, want %v", obj, want)
	}
}

func TestDiffQuoteIdenticalSnapshots(t *testing.T) {
	snap := sampleSnapshot()
	other := snap

	var buf bytes.Buffer
	if encodeDiffQuote(&buf, &snap, &other) {
		t.Error("identical snapshots must produce an empty diff")
	}
	if buf.String() != "{}" {
		t.Errorf("buffer = %q", buf.String())
	}
}

func TestRtnDataFrameEnvelope(t *testing.T) {
	snap := sampleSnapshot()

	frame := newRtnDataFrame()
	frame.addFull("SHFE.si2609", &snap)
	raw := frame.Bytes()

	var env struct {
		Aid  string            `json:"aid"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Aid != "rtn_data" {
		t.Errorf("aid = %q", env.Aid)
	}
	if len(env.Data) != 2 {
		t.Fatalf("data entries = %d", len(env.Data))
	}

	var quotes struct {
		Quotes map[string]json.RawMessage `json:"quotes"`
	}
	if err := json.Unmarshal(env.Data[0], &quotes); err != nil {
		t.Fatalf("invalid quotes object: %v", err)
	}
	if _, ok := quotes.Quotes["SHFE.si2609"]; !ok {
		t.Error("quote missing from envelope")
	}

	var meta struct {
		AccountID     string `json:"account_id"`
		InsList       string `json:"ins_list"`
		MdhisMoreData bool   `json:"mdhis_more_data"`
	}
	if err := json.Unmarshal(env.Data[1], &meta); err != nil {
		t.Fatalf("invalid meta object: %v", err)
	}
	if meta.AccountID != "" || meta.InsList != "" || meta.MdhisMoreData {
		t.Errorf("meta = %+v", meta)
	}
}

func TestRtnDataFrameEmptyDiffRollback(t *testing.T) {
	snap := sampleSnapshot()
	same := snap

	frame := newRtnDataFrame()
	frame.addDiff("SHFE.si2609", &snap, &same)

	if !frame.Empty() {
		t.Error("all-empty diffs must leave the frame empty")
	}

	// The rolled-back frame still closes into valid JSON.
	var env map[string]any
	if err := json.Unmarshal(frame.Bytes(), &env); err != nil {
		t.Errorf("invalid JSON after rollback: %v", err)
	}
}

func TestRtnDataFrameMixed(t *testing.T) {
	a := sampleSnapshot()
	b := a
	b.InstrumentID = "GFEX.lc2607"
	bOld := b
	b.LastPrice = 9999.99

	frame := newRtnDataFrame()
	frame.addFull("SHFE.si2609", &a)
	frame.addDiff("GFEX.lc2607", &bOld, &b)

	var env struct {
		Data []struct {
			Quotes map[string]map[string]any `json:"quotes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	quotes := env.Data[0].Quotes
	if len(quotes) != 2 {
		t.Fatalf("quotes = %d", len(quotes))
	}
	if quotes["GFEX.lc2607"]["last_price"] != 9999.99 {
		t.Errorf("diff entry = %v", quotes["GFEX.lc2607"])
	}
	if _, ok := quotes["SHFE.si2609"]["average"]; !ok {
		t.Error("full entry missing average field")
	}
}

func TestControlFrames(t *testing.T) {
	var welcome map[string]any
	if err := json.Unmarshal(welcomeFrame("abc-123", true, 1756000000000), &welcome); err != nil {
		t.Fatalf("welcome invalid: %v", err)
	}
	if welcome["type"] != "welcome" || welcome["session_id"] != "abc-123" || welcome["ctp_connected"] != true {
		t.Errorf("welcome = %v", welcome)
	}

	var errf map[string]any
	if err := json.Unmarshal(errorFrame("bad request", 1756000000000), &errf); err != nil {
		t.Fatalf("error frame invalid: %v", err)
	}
	if errf["type"] != "error" || errf["message"] != "bad request" {
		t.Errorf("error frame = %v", errf)
	}
	if errf["timestamp"] != float64(1756000000000) {
		t.Errorf("error timestamp = %v", errf["timestamp"])
	}

	var ok map[string]any
	if err := json.Unmarshal(subscribeOKFrame(), &ok); err != nil {
		t.Fatalf("subscribe ack invalid: %v", err)
	}
	if ok["aid"] != "subscribe_quote" || ok["status"] != "ok" {
		t.Errorf("subscribe ack = %v", ok)
	}
}

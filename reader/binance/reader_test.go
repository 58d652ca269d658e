package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/models"
)

func testConfig(connection string, symbols ...string) appconfig.BinanceSourceConfig {
	cfg := appconfig.Default().Source.Binance
	cfg.Connection = connection
	cfg.Symbols = symbols
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func TestDecodeDepthBareAndEnvelope(t *testing.T) {
	bare := `{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"]]}`
	resp, stream, err := decodeDepth([]byte(bare))
	if err != nil || stream != "" || resp.LastUpdateID != 160 {
		t.Fatalf("bare decode: %+v %q %v", resp, stream, err)
	}

	wrapped := `{"stream":"ethusdt@depth5@100ms","data":` + bare + `}`
	resp, stream, err = decodeDepth([]byte(wrapped))
	if err != nil || stream != "ethusdt@depth5@100ms" || len(resp.Bids) != 1 {
		t.Fatalf("envelope decode: %+v %q %v", resp, stream, err)
	}
	if symbolFromStream(stream) != "ETHUSDT" {
		t.Fatalf("unexpected symbol %s", symbolFromStream(stream))
	}
}

func TestDecodeDepthMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[]`, `{"result":null,"id":1}`, `{"stream":"x","data":"oops"}`} {
		if _, _, err := decodeDepth([]byte(raw)); !errors.Is(err, ErrMalformedDepth) {
			t.Errorf("%s: expected ErrMalformedDepth, got %v", raw, err)
		}
	}
}

func TestParseLevels(t *testing.T) {
	got, err := parseLevels([][]string{{"101.10", "2"}, {"100", "0.000"}, {"99", "5"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0].Price.String() != "101.1" || got[1].Quantity.String() != "5" {
		t.Fatalf("unexpected levels %v", got)
	}

	for _, bad := range [][][]string{
		{{"1"}},
		{{"abc", "1"}},
		{{"1", "x"}},
		{{"0", "1"}},
		{{"1", "-1"}},
	} {
		if _, err := parseLevels(bad); !errors.Is(err, ErrMalformedDepth) {
			t.Errorf("%v: expected ErrMalformedDepth, got %v", bad, err)
		}
	}
}

func TestToSnapshotsAllOrNothing(t *testing.T) {
	resp := models.BinancePartialDepthResp{
		LastUpdateID: 3,
		Bids:         [][]string{{"10", "1"}},
		Asks:         [][]string{{"bad", "1"}},
	}
	if snaps, err := toSnapshots("BTCUSDT", resp, time.Now()); err == nil || snaps != nil {
		t.Fatalf("expected whole message rejected, got %v", snaps)
	}

	resp.Asks = [][]string{{"11", "2"}}
	snaps, err := toSnapshots("BTCUSDT", resp, time.Now())
	if err != nil || len(snaps) != 2 {
		t.Fatalf("unexpected result %v %v", snaps, err)
	}
	if snaps[0].Side != models.SideBuy || snaps[1].Side != models.SideSell || snaps[1].LastUpdateID != 3 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
}

func TestStreamName(t *testing.T) {
	if got := streamName("BTCUSDT", 5, 100); got != "btcusdt@depth5@100ms" {
		t.Fatalf("unexpected stream %s", got)
	}
	if got := streamName("ETHUSDT", 10, 1000); got != "ethusdt@depth10" {
		t.Fatalf("unexpected stream %s", got)
	}
}

func TestStreamURL(t *testing.T) {
	r := NewStreamReader(testConfig(appconfig.ConnectionWebsocket, "BTCUSDT"), depth.NewChannels(1))
	if got, _ := r.streamURL(); got != "wss://stream.binance.com:9443/ws/btcusdt@depth5@100ms" {
		t.Fatalf("unexpected single url %s", got)
	}
	r = NewStreamReader(testConfig(appconfig.ConnectionWebsocket, "BTCUSDT", "ETHUSDT"), depth.NewChannels(1))
	if got, _ := r.streamURL(); got != "wss://stream.binance.com:9443/stream?streams=btcusdt@depth5@100ms/ethusdt@depth5@100ms" {
		t.Fatalf("unexpected combined url %s", got)
	}
}

func readSnapshot(t *testing.T, ch *depth.Channels) models.ExternalDepthSnapshot {
	t.Helper()
	select {
	case s := <-ch.Snapshots:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
		return models.ExternalDepthSnapshot{}
	}
}

func TestStreamReaderDeliversSnapshots(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@depth5@100ms","data":{"lastUpdateId":9,"bids":[["100","1"]],"asks":[["101","2"]]}}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := testConfig(appconfig.ConnectionWebsocket, "BTCUSDT", "ETHUSDT")
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ch := depth.NewChannels(4)
	r, err := NewReader(cfg, ch)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}

	bids := readSnapshot(t, ch)
	asks := readSnapshot(t, ch)
	if bids.Instrument != "ETHUSDT" || bids.Side != models.SideBuy || asks.Side != models.SideSell {
		t.Fatalf("unexpected snapshots %+v %+v", bids, asks)
	}
	if len(asks.Entries) != 1 || asks.Entries[0].Quantity.String() != "2" {
		t.Fatalf("unexpected ask entries %v", asks.Entries)
	}
}

func TestSDKReaderUsesServeFunc(t *testing.T) {
	ch := depth.NewChannels(4)
	r := NewSDKReader(testConfig(appconfig.ConnectionSDK, "btcusdt"), ch)

	calls := make(chan string, 4)
	r.serve = func(symbol, levels string, handler gobinance.WsPartialDepthHandler, errHandler gobinance.ErrHandler) (chan struct{}, chan struct{}, error) {
		calls <- symbol + ":" + levels
		doneC, stopC := make(chan struct{}), make(chan struct{})
		go func() {
			handler(&gobinance.WsPartialDepthEvent{
				Symbol:       symbol,
				LastUpdateID: 1,
				Bids:         []gobinance.Bid{{Price: "100", Quantity: "1"}},
				Asks:         []gobinance.Ask{{Price: "101", Quantity: "1"}},
			})
			<-stopC
			close(doneC)
		}()
		return doneC, stopC, nil
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := <-calls; got != "BTCUSDT:5" {
		t.Fatalf("unexpected subscription %s", got)
	}
	bids := readSnapshot(t, ch)
	if bids.Instrument != "BTCUSDT" || bids.Exchange != "binance" {
		t.Fatalf("unexpected snapshot %+v", bids)
	}
	r.Stop()
}

func TestNewReaderRejectsUnknownConnection(t *testing.T) {
	if _, err := NewReader(testConfig("grpc", "BTCUSDT"), depth.NewChannels(1)); err == nil {
		t.Fatal("expected error")
	}
	r := NewSDKReader(testConfig(appconfig.ConnectionSDK), depth.NewChannels(1))
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error without symbols")
	}
}

package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const maxReconnectDelay = time.Minute

// Reader streams Binance partial depth into the depth channel.
type Reader interface {
	Start(ctx context.Context) error
	Stop()
}

// NewReader picks the SDK or raw websocket implementation from the
// connection setting.
func NewReader(cfg appconfig.BinanceSourceConfig, ch *depth.Channels) (Reader, error) {
	switch cfg.Connection {
	case appconfig.ConnectionSDK, "":
		return NewSDKReader(cfg, ch), nil
	case appconfig.ConnectionWebsocket:
		return NewStreamReader(cfg, ch), nil
	default:
		return nil, fmt.Errorf("unknown binance connection %q", cfg.Connection)
	}
}

// feed holds what both readers share: lifecycle state and the path from a
// decoded payload to the depth channel.
type feed struct {
	cfg     appconfig.BinanceSourceConfig
	depth   *depth.Channels
	symbols []string
	name    string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func newFeed(name string, cfg appconfig.BinanceSourceConfig, ch *depth.Channels) *feed {
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	return &feed{
		cfg:     cfg,
		depth:   ch,
		symbols: symbols,
		name:    name,
		log:     logger.GetLogger(),
	}
}

func (f *feed) begin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("%s already running", f.name)
	}
	if len(f.symbols) == 0 {
		return fmt.Errorf("%s: no symbols configured", f.name)
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	return nil
}

func (f *feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	f.mu.Unlock()

	f.log.WithComponent(f.name).Info("stopping binance reader")
	f.wg.Wait()
	f.log.WithComponent(f.name).Info("binance reader stopped")
}

func (f *feed) newBackoff() *backoff.Backoff {
	min := f.cfg.ReconnectDelay
	if min <= 0 {
		min = time.Second
	}
	return &backoff.Backoff{Min: min, Max: maxReconnectDelay, Factor: 2, Jitter: true}
}

// handlePayload decodes one raw message. symbol is used when the payload
// carries no stream name of its own.
func (f *feed) handlePayload(symbol string, data []byte) {
	logger.IncrementFeedRead(len(data))
	resp, stream, err := decodeDepth(data)
	instrument := symbol
	if stream != "" {
		instrument = symbolFromStream(stream)
	}
	if err != nil {
		f.malformed(instrument, err)
		return
	}
	f.publish(instrument, resp)
}

func (f *feed) publish(instrument string, resp models.BinancePartialDepthResp) {
	snaps, err := toSnapshots(instrument, resp, time.Now())
	if err != nil {
		f.malformed(instrument, err)
		return
	}
	for _, snap := range snaps {
		if f.depth.Send(f.ctx, snap) {
			continue
		}
		if f.ctx.Err() != nil {
			return
		}
		metrics.IncFeedMessage(metrics.FeedStatusDropped)
		metrics.EmitDropMetric(f.log, metrics.DropMetricDepthChannel, exchangeName, instrument, "reader")
		f.log.WithComponent(f.name).WithFields(logger.Fields{
			"instrument": instrument,
			"side":       snap.Side,
		}).Warn("depth channel full, dropping snapshot")
		return
	}
	metrics.IncFeedMessage(metrics.FeedStatusOK)
}

func (f *feed) malformed(instrument string, err error) {
	metrics.IncFeedMessage(metrics.FeedStatusMalformed)
	metrics.EmitDropMetric(f.log, metrics.DropMetricFeedMalformed, exchangeName, instrument, "parse")
	f.log.WithComponent(f.name).WithFields(logger.Fields{
		"instrument": instrument,
	}).WithError(err).Warn("dropping malformed depth message")
}

// waitForReconnect reports true when ctx ended during the wait.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

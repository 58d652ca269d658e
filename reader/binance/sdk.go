package binance

import (
	"context"
	"strconv"

	gobinance "github.com/adshao/go-binance/v2"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
	"bookflow/models"
)

type partialDepthServeFunc func(symbol, levels string, handler gobinance.WsPartialDepthHandler, errHandler gobinance.ErrHandler) (chan struct{}, chan struct{}, error)

// SDKReader subscribes to partial depth through the go-binance client, one
// stream per symbol.
type SDKReader struct {
	*feed
	serve partialDepthServeFunc
}

func NewSDKReader(cfg appconfig.BinanceSourceConfig, ch *depth.Channels) *SDKReader {
	serve := gobinance.WsPartialDepthServe
	if cfg.IntervalMs == 100 {
		serve = gobinance.WsPartialDepthServe100Ms
	}
	return &SDKReader{
		feed:  newFeed("binance_sdk_reader", cfg, ch),
		serve: serve,
	}
}

func (r *SDKReader) Start(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}

	r.log.WithComponent(r.name).WithFields(logger.Fields{
		"symbols":  r.symbols,
		"levels":   r.cfg.Levels,
		"interval": r.cfg.IntervalMs,
	}).Info("starting binance sdk reader")

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.streamSymbol(symbol)
	}
	return nil
}

func (r *SDKReader) streamSymbol(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent(r.name).WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "partial_depth_stream",
	})
	b := r.newBackoff()

	handler := func(event *gobinance.WsPartialDepthEvent) {
		logger.IncrementFeedRead(len(event.Bids) + len(event.Asks))
		r.publish(symbol, eventToResp(event))
	}
	errHandler := func(err error) {
		if err != nil && r.ctx.Err() == nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		doneC, stopC, err := r.serve(symbol, strconv.Itoa(r.cfg.Levels), handler, errHandler)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("failed to subscribe to partial depth stream")
			if waitForReconnect(r.ctx, delay) {
				return
			}
			continue
		}
		b.Reset()

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}

		delay := b.Duration()
		log.WithFields(logger.Fields{"retry_in": delay.String()}).Warn("partial depth stream ended, reconnecting")
		if waitForReconnect(r.ctx, delay) {
			return
		}
	}
}

func eventToResp(event *gobinance.WsPartialDepthEvent) models.BinancePartialDepthResp {
	resp := models.BinancePartialDepthResp{
		LastUpdateID: event.LastUpdateID,
		Bids:         make([][]string, 0, len(event.Bids)),
		Asks:         make([][]string, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		resp.Bids = append(resp.Bids, []string{b.Price, b.Quantity})
	}
	for _, a := range event.Asks {
		resp.Asks = append(resp.Asks, []string{a.Price, a.Quantity})
	}
	return resp
}

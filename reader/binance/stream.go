package binance

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
)

const defaultKeepAlive = 20 * time.Second

// StreamReader reads partial depth over a raw websocket. A single symbol
// uses the plain stream endpoint; several symbols share one combined
// stream, whose payloads arrive wrapped in a {stream, data} envelope.
type StreamReader struct {
	*feed
	dialer *websocket.Dialer
}

func NewStreamReader(cfg appconfig.BinanceSourceConfig, ch *depth.Channels) *StreamReader {
	return &StreamReader{
		feed:   newFeed("binance_stream_reader", cfg, ch),
		dialer: websocket.DefaultDialer,
	}
}

func (r *StreamReader) Start(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}

	streamURL, err := r.streamURL()
	if err != nil {
		r.Stop()
		return err
	}

	r.log.WithComponent(r.name).WithFields(logger.Fields{
		"symbols": r.symbols,
		"url":     streamURL,
	}).Info("starting binance stream reader")

	symbol := ""
	if len(r.symbols) == 1 {
		symbol = r.symbols[0]
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(streamURL, symbol)
	}()
	return nil
}

// streamURL builds ws(s)://host/ws/<stream> for one symbol or
// ws(s)://host/stream?streams=a/b for several.
func (r *StreamReader) streamURL() (string, error) {
	base, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", err
	}
	streams := make([]string, 0, len(r.symbols))
	for _, s := range r.symbols {
		streams = append(streams, streamName(s, r.cfg.Levels, r.cfg.IntervalMs))
	}

	root := strings.TrimSuffix(strings.TrimSuffix(base.Path, "/"), "/ws")
	if len(streams) == 1 {
		base.Path = root + "/ws/" + streams[0]
		return base.String(), nil
	}
	base.Path = root + "/stream"
	base.RawQuery = "streams=" + strings.Join(streams, "/")
	return base.String(), nil
}

func (r *StreamReader) run(streamURL, symbol string) {
	log := r.log.WithComponent(r.name).WithFields(logger.Fields{"url": streamURL})
	b := r.newBackoff()

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := r.dialer.DialContext(r.ctx, streamURL, nil)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("failed to connect to binance websocket")
			if waitForReconnect(r.ctx, delay) {
				return
			}
			continue
		}
		b.Reset()
		log.Info("binance websocket connected")

		pingCancel := startPingLoop(r.ctx, conn, defaultKeepAlive, log)
		err = r.readMessages(conn, symbol)
		pingCancel()
		conn.Close()

		if r.ctx.Err() != nil {
			return
		}
		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("binance websocket disconnected, reconnecting")
		if waitForReconnect(r.ctx, delay) {
			return
		}
	}
}

func (r *StreamReader) readMessages(conn *websocket.Conn, symbol string) error {
	// Unblock ReadMessage when the reader is stopped.
	stop := context.AfterFunc(r.ctx, func() { conn.Close() })
	defer stop()

	for {
		if r.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handlePayload(symbol, msg)
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Debug("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

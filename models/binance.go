package models

import "encoding/json"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinancePartialDepthResp mirrors the payload of Binance's partial book
// depth stream (<symbol>@depth<levels>@100ms). Each level is [price, qty].
type BinancePartialDepthResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// BinanceCombinedStreamMessage is the envelope used on /stream endpoints.
type BinanceCombinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

package broker

import "time"

// Profile is the broker-reported operator identity.
type Profile struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Email     string `json:"email"`
	Broker    string `json:"broker"`
}

// Margins is the available-funds snapshot used by the risk gate to compute
// notional exposure limits.
type Margins struct {
	Equity struct {
		Available struct {
			Cash       float64 `json:"cash"`
			Collateral float64 `json:"collateral"`
		} `json:"available"`
		Net float64 `json:"net"`
	} `json:"equity"`
}

// Quote is one instrument's current market snapshot as reported over REST
// (distinct from the streaming tick format decoded by the market package).
type Quote struct {
	InstrumentToken uint32  `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
	Volume          uint32  `json:"volume"`
	OHLC            struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
}

// OrderRequest is the parameter set for PlaceOrder.
type OrderRequest struct {
	Exchange        string // NSE, BSE
	TradingSymbol   string
	TransactionType string // BUY, SELL
	Quantity        int
	Price           float64 // 0 for market orders
	OrderType       string  // MARKET, LIMIT
	Product         string  // CNC (delivery), MIS (intraday); defaults to CNC
}

// Order is the broker's authoritative view of a placed order, used during
// reconciliation polling.
type Order struct {
	OrderID         string  `json:"order_id"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	Status          string  `json:"status"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

// Position is an open holding as reported by the broker.
type Position struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

// OHLCV is one historical candle.
type OHLCV struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

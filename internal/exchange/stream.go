package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ConnectionState represents the state of the websocket connection
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

const (
	channelBuyDepth  = "buyDepth"
	channelSellDepth = "sellDepth"
	channelTrade     = "trade"
)

// DefaultStreamURL is the Wallex Socket.IO endpoint.
func DefaultStreamURL() string {
	u := url.URL{Scheme: "wss", Host: "api.wallex.ir", Path: "/socket.io/"}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()
	return u.String()
}

// depthEntry is one price level of a depth broadcast. Price arrives as a string or a number.
type depthEntry struct {
	Quantity float64 `json:"quantity"`
	Price    any     `json:"price"`
	Sum      float64 `json:"sum"`
}

type streamTrade struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// StreamDepthClient keeps the latest depth and the trades seen since the last FetchTrades from
// the Wallex websocket, so a Capturer can sample a pushed feed the same way it polls REST.
type StreamDepthClient struct {
	url    string
	symbol string
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connState ConnectionState
	healthErr error
	bids      []market.Level
	asks      []market.Level
	updated   time.Time
	trades    []Trade
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewStreamDepthClient(symbol, streamURL string) *StreamDepthClient {
	if streamURL == "" {
		streamURL = DefaultStreamURL()
	}
	return &StreamDepthClient{
		url:    streamURL,
		symbol: NormalizeSymbol(symbol),
		logger: utils.Component("wallex-stream"),
		done:   make(chan struct{}),
	}
}

func (s *StreamDepthClient) Name() string {
	return "wallex-stream"
}

// Start connects in the background and keeps reconnecting until ctx is done or Close is called.
func (s *StreamDepthClient) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// Close stops the connection and waits for the reader to exit.
func (s *StreamDepthClient) Close() {
	s.mu.Lock()
	cancel := s.cancel
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
}

// IsConnected returns true if the websocket is currently connected
func (s *StreamDepthClient) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState == Connected
}

// Health returns the last connection error (if any)
func (s *StreamDepthClient) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthErr
}

func (s *StreamDepthClient) FetchDepth(ctx context.Context, symbol string) (Depth, error) {
	if err := ctx.Err(); err != nil {
		return Depth{}, err
	}
	if NormalizeSymbol(symbol) != s.symbol {
		return Depth{}, fmt.Errorf("stream subscribed to %s, not %s", s.symbol, symbol)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updated.IsZero() {
		return Depth{}, ErrNoDepth
	}
	d := Depth{
		Bids: append([]market.Level(nil), s.bids...),
		Asks: append([]market.Level(nil), s.asks...),
		Time: time.Now().UTC(),
	}
	return d, nil
}

// FetchTrades drains the trades received since the previous call.
func (s *StreamDepthClient) FetchTrades(ctx context.Context, symbol string) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.trades
	s.trades = nil
	return out, nil
}

func (s *StreamDepthClient) run(ctx context.Context) {
	defer close(s.done)
	retryDelay := time.Second
	for {
		err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Context cancelled, stopping depth stream")
			return
		}
		s.setState(Reconnecting, err)
		s.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("Disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, 60*time.Second)
	}
}

func (s *StreamDepthClient) subscribe(c *websocket.Conn) error {
	for _, ch := range []string{channelBuyDepth, channelSellDepth, channelTrade} {
		msg, err := json.Marshal(map[string]string{"channel": s.symbol + "@" + ch})
		if err != nil {
			return err
		}
		if err := c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`42["subscribe",%s]`, msg))); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamDepthClient) connectAndStream(ctx context.Context) error {
	s.setState(Connecting, nil)

	c, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	s.setState(Connected, nil)
	s.logger.Info().Str("symbol", s.symbol).Msg("Connection established")
	defer func() {
		c.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(Disconnected, nil)
	}()

	// unblock ReadMessage on cancellation
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	// Socket.IO handshake; channels are subscribed once the server acknowledges it
	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}

	handshakeComplete := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(message)
		switch {
		case msg == "2":
			// Socket.IO ping
			if err := c.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "40") && !handshakeComplete:
			handshakeComplete = true
			if err := s.subscribe(c); err != nil {
				return err
			}
		default:
			channel, data, ok := parseBroadcast(message)
			if !ok {
				continue
			}
			if err := s.handle(channel, data); err != nil {
				s.logger.Debug().Err(err).Str("channel", channel).Msg("Dropped broadcast")
			}
		}
	}
}

func (s *StreamDepthClient) handle(channel string, data json.RawMessage) error {
	sym, kind, ok := strings.Cut(channel, "@")
	if !ok || sym != s.symbol {
		return nil
	}
	switch kind {
	case channelBuyDepth, channelSellDepth:
		levels, err := parseDepth(data)
		if err != nil {
			return err
		}
		d := Depth{}
		if kind == channelBuyDepth {
			d.Bids = levels
		} else {
			d.Asks = levels
		}
		sortDepth(&d)
		s.mu.Lock()
		if kind == channelBuyDepth {
			s.bids = d.Bids
		} else {
			s.asks = d.Asks
		}
		s.updated = time.Now()
		s.mu.Unlock()
	case channelTrade:
		var st streamTrade
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		price, err := strconv.ParseFloat(st.Price, 64)
		if err != nil {
			return err
		}
		size, err := strconv.ParseFloat(st.Quantity, 64)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.trades = append(s.trades, Trade{Price: price, Size: size, Time: st.Timestamp.UTC()})
		s.mu.Unlock()
	}
	return nil
}

func (s *StreamDepthClient) setState(state ConnectionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connState = state
	if err != nil || state == Connecting {
		s.healthErr = err
	}
}

// parseBroadcast extracts channel and payload from a Socket.IO event frame of the form
// 42["Broadcaster","<channel>",<data>].
func parseBroadcast(message []byte) (string, json.RawMessage, bool) {
	if len(message) < 2 || string(message[:2]) != "42" {
		return "", nil, false
	}
	var event []json.RawMessage
	if err := json.Unmarshal(message[2:], &event); err != nil || len(event) < 3 {
		return "", nil, false
	}
	var name, channel string
	if json.Unmarshal(event[0], &name) != nil || name != "Broadcaster" {
		return "", nil, false
	}
	if json.Unmarshal(event[1], &channel) != nil {
		return "", nil, false
	}
	return channel, event[2], true
}

// parseDepth decodes a depth payload, either an object keyed by position or an array.
func parseDepth(data json.RawMessage) ([]market.Level, error) {
	var entries []depthEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var keyed map[string]depthEntry
		if err := json.Unmarshal(data, &keyed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depth: %w", err)
		}
		for _, e := range keyed {
			entries = append(entries, e)
		}
	}

	levels := make([]market.Level, 0, len(entries))
	for _, e := range entries {
		price, err := entryPrice(e.Price)
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Size: e.Quantity})
	}
	return levels, nil
}

func entryPrice(v any) (float64, error) {
	switch p := v.(type) {
	case string:
		d, err := decimal.NewFromString(p)
		if err != nil {
			return 0, fmt.Errorf("invalid price %q: %w", p, err)
		}
		return d.InexactFloat64(), nil
	case float64:
		return p, nil
	default:
		return 0, fmt.Errorf("unsupported price type %T", v)
	}
}

// Package bybit streams public trades from the Bybit v5 websocket API.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultBaseURL      = "wss://stream.bybit.com/v5/public"
	DefaultCategory     = "linear"
	DefaultPingInterval = 20 * time.Second

	topicPrefix = "publicTrade."
	readLimit   = 1 << 20
)

var _ interfaces.TradeSource = (*Feed)(nil)

// Config selects the endpoint and symbols of a feed.
type Config struct {
	BaseURL      string
	Category     string
	Symbols      []string
	PingInterval time.Duration
}

// Feed subscribes to publicTrade.<SYMBOL> topics. Each Stream call is one
// websocket session; reconnecting is left to the caller.
type Feed struct {
	cfg    Config
	logger *logrus.Entry
}

func NewFeed(cfg Config, logger *logrus.Logger) (*Feed, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("bybit feed needs at least one symbol")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols
	return &Feed{
		cfg:    cfg,
		logger: logger.WithField("component", "bybit_feed"),
	}, nil
}

func (f *Feed) Name() string {
	return "bybit"
}

// Endpoint is the websocket URL for the configured category.
func (f *Feed) Endpoint() string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/" + f.cfg.Category
}

func (f *Feed) topics() []string {
	topics := make([]string, len(f.cfg.Symbols))
	for i, s := range f.cfg.Symbols {
		topics[i] = topicPrefix + s
	}
	return topics
}

// Stream runs one session: subscribe, keep the connection alive with pings
// and pass every trade batch to handle. It returns when ctx is done, the
// connection fails or handle returns an error.
func (f *Feed) Stream(ctx context.Context, handle interfaces.TradeHandler) error {
	ws, _, err := websocket.Dial(ctx, f.Endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.Endpoint(), err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "shutdown")
	ws.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, ws, request{Op: "subscribe", Args: f.topics()}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.WithField("topics", f.topics()).Info("bybit feed subscribed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.keepAlive(gctx, ws)
	})
	g.Go(func() error {
		return f.read(gctx, ws, handle)
	})
	return g.Wait()
}

func (f *Feed) keepAlive(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := wsjson.Write(ctx, ws, request{Op: "ping"}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (f *Feed) read(ctx context.Context, ws *websocket.Conn, handle interfaces.TradeHandler) error {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		rows, err := decodeMessage(data)
		if err != nil {
			var rejected *rejectedError
			if errors.As(err, &rejected) {
				return err
			}
			f.logger.WithError(err).Warn("skip message")
			continue
		}
		if len(rows) == 0 {
			continue
		}
		if err := handle(ctx, rows); err != nil {
			return err
		}
	}
}

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type publicTrade struct {
	Time          *int64 `json:"T"`
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	Size          string `json:"v"`
	Price         string `json:"p"`
	TickDirection string `json:"L"`
	ID            string `json:"i"`
}

// rejectedError is an operation the exchange refused, typically a subscribe
// to an unknown symbol. Retrying the same session cannot succeed.
type rejectedError struct {
	op, msg string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("bybit rejected %s: %s", e.op, e.msg)
}

// decodeMessage maps a publicTrade push onto raw rows. Operation responses
// yield no rows.
func decodeMessage(data []byte) ([]marketdata.RawTrade, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, &rejectedError{op: env.Op, msg: env.RetMsg}
		}
		return nil, nil
	}
	if !strings.HasPrefix(env.Topic, topicPrefix) {
		return nil, nil
	}
	var trades []publicTrade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", env.Topic, err)
	}
	rows := make([]marketdata.RawTrade, 0, len(trades))
	for _, t := range trades {
		// A push without T leaves the timestamp empty so Normalize rejects it.
		var ts string
		if t.Time != nil {
			ts = strconv.FormatInt(*t.Time, 10)
		}
		rows = append(rows, marketdata.RawTrade{
			Timestamp:     ts,
			Symbol:        t.Symbol,
			Side:          t.Side,
			Size:          t.Size,
			Price:         t.Price,
			TradeID:       t.ID,
			TickDirection: t.TickDirection,
		})
	}
	return rows, nil
}

// Package tinvest relays exchange trades from the T-Invest market data stream.
package tinvest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"

	"github.com/google/uuid"
	investgo "github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// tradeNamespace scopes the name-based ids derived for T-Invest trades,
// which carry no exchange trade id of their own.
var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://invest-public-api.tinkoff.ru/trades"))

var _ interfaces.TradeSource = (*Feed)(nil)

// Feed subscribes to trades of the given instruments. Symbols maps an
// instrument uid or figi to the symbol trades are reported under; unmapped
// instruments use the figi.
type Feed struct {
	client      *investgo.Client
	instruments []string
	symbols     map[string]string
	logger      *logrus.Entry
}

func NewFeed(client *investgo.Client, instruments []string, symbols map[string]string, logger *logrus.Logger) (*Feed, error) {
	if client == nil {
		return nil, errors.New("invest api client is nil")
	}
	if len(instruments) == 0 {
		return nil, errors.New("instruments list is empty")
	}
	return &Feed{
		client:      client,
		instruments: instruments,
		symbols:     symbols,
		logger:      logger.WithField("component", "tinvest_feed"),
	}, nil
}

func (f *Feed) Name() string {
	return "tinvest"
}

// Stream opens a market data stream, subscribes to exchange trades and
// forwards them one by one until ctx is done or the stream breaks.
func (f *Feed) Stream(ctx context.Context, handle interfaces.TradeHandler) error {
	stream, err := f.client.NewMarketDataStreamClient().MarketDataStream()
	if err != nil {
		return fmt.Errorf("create market data stream: %w", err)
	}
	trades, err := stream.SubscribeTrade(f.instruments, pb.TradeSourceType_TRADE_SOURCE_EXCHANGE, false)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("subscribe trades: %w", err)
	}
	f.logger.WithField("instruments", len(f.instruments)).Info("tinvest feed subscribed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Listen()
	})
	g.Go(func() error {
		defer stream.Stop()
		return f.pump(gctx, trades, handle)
	})
	return g.Wait()
}

func (f *Feed) pump(ctx context.Context, trades <-chan *pb.Trade, handle interfaces.TradeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trade, ok := <-trades:
			if !ok {
				return errors.New("tinvest trade stream closed")
			}
			row, err := ConvertTrade(trade, f.symbols)
			if err != nil {
				f.logger.WithError(err).Warn("skip trade")
				continue
			}
			if err := handle(ctx, []marketdata.RawTrade{row}); err != nil {
				return err
			}
		}
	}
}

// ConvertTrade maps a stream trade onto a raw row. The trade id is a SHA1
// uuid over instrument, time, price, quantity and direction, so a trade
// redelivered after a reconnect keeps its id.
func ConvertTrade(msg *pb.Trade, symbols map[string]string) (marketdata.RawTrade, error) {
	if msg == nil {
		return marketdata.RawTrade{}, errors.New("trade payload is nil")
	}
	side, err := mapTradeSide(msg.GetDirection())
	if err != nil {
		return marketdata.RawTrade{}, err
	}
	ts := msg.GetTime()
	if ts == nil {
		return marketdata.RawTrade{}, errors.New("trade time is missing")
	}
	tradedAt := ts.AsTime().UTC()
	price := quotationToDecimal(msg.GetPrice())
	quantity := strconv.FormatInt(msg.GetQuantity(), 10)

	instrument := strings.TrimSpace(msg.GetInstrumentUid())
	if instrument == "" {
		instrument = strings.TrimSpace(msg.GetFigi())
	}
	if instrument == "" {
		return marketdata.RawTrade{}, errors.New("instrument id is empty")
	}

	name := strings.Join([]string{
		instrument,
		strconv.FormatInt(tradedAt.UnixNano(), 10),
		price.String(),
		quantity,
		string(side),
	}, "|")

	return marketdata.RawTrade{
		Timestamp: tradedAt.Format(time.RFC3339Nano),
		Symbol:    resolveSymbol(msg, symbols),
		Side:      string(side),
		Size:      quantity,
		Price:     price.String(),
		TradeID:   uuid.NewSHA1(tradeNamespace, []byte(name)).String(),
	}, nil
}

func resolveSymbol(msg *pb.Trade, symbols map[string]string) string {
	for _, key := range []string{msg.GetInstrumentUid(), msg.GetFigi()} {
		if symbol, ok := symbols[key]; ok && symbol != "" {
			return symbol
		}
	}
	if figi := strings.TrimSpace(msg.GetFigi()); figi != "" {
		return figi
	}
	return msg.GetInstrumentUid()
}

// quotationToDecimal keeps the exact units + nano/1e9 value.
func quotationToDecimal(q *pb.Quotation) decimal.Decimal {
	if q == nil {
		return decimal.Zero
	}
	return decimal.New(q.GetUnits(), 0).Add(decimal.New(int64(q.GetNano()), -9))
}

func mapTradeSide(direction pb.TradeDirection) (marketdata.TradeSide, error) {
	switch direction {
	case pb.TradeDirection_TRADE_DIRECTION_BUY:
		return marketdata.TradeSideBuy, nil
	case pb.TradeDirection_TRADE_DIRECTION_SELL:
		return marketdata.TradeSideSell, nil
	default:
		return "", fmt.Errorf("unsupported trade direction: %s", direction.String())
	}
}

// ParseInstruments reads "uid[=SYMBOL]" entries into the subscription list
// and the symbol map.
func ParseInstruments(entries []string) ([]string, map[string]string) {
	instruments := make([]string, 0, len(entries))
	symbols := make(map[string]string)
	for _, entry := range entries {
		id, symbol, _ := strings.Cut(strings.TrimSpace(entry), "=")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		instruments = append(instruments, id)
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			symbols[id] = symbol
		}
	}
	return instruments, symbols
}

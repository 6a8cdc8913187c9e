package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "footprint/internal/domain/entity/marketdata"
)

// BaseMessage is the body published on the trades exchange. Producers send
// either a single trade or a batch.
type BaseMessage struct {
	Source string            `json:"source,omitempty"`
	SentAt time.Time         `json:"sent_at"`
	Trade  *domain.RawTrade  `json:"trade,omitempty"`
	Trades []domain.RawTrade `json:"trades,omitempty"`
}

// Rows returns every trade row the message carries.
func (m BaseMessage) Rows() []domain.RawTrade {
	if m.Trade == nil {
		return m.Trades
	}
	rows := make([]domain.RawTrade, 0, len(m.Trades)+1)
	rows = append(rows, *m.Trade)
	return append(rows, m.Trades...)
}

func decodeMessage(body []byte) (BaseMessage, error) {
	var payload BaseMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return BaseMessage{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Trade == nil && len(payload.Trades) == 0 {
		return BaseMessage{}, errors.New("trade payload is empty")
	}
	return payload, nil
}

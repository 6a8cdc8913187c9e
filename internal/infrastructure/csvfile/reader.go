// Package csvfile reads trade files in the Bybit public trading history
// layout (timestamp,symbol,side,size,price,tickDirection,trdMatchID,...).
package csvfile

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	marketdata "footprint/internal/domain/entity/marketdata"
	interfaces "footprint/internal/domain/interfaces"
)

const DefaultBatchSize = 5000

// columns maps each RawTrade field to the header names accepted for it.
var columns = map[string][]string{
	"timestamp":      {"timestamp", "time", "executed_at"},
	"symbol":         {"symbol"},
	"side":           {"side"},
	"size":           {"size", "qty", "quantity"},
	"price":          {"price"},
	"trade_id":       {"trdmatchid", "trade_id", "id"},
	"tick_direction": {"tickdirection", "tick_direction"},
}

var required = []string{"timestamp", "side", "size", "price", "trade_id"}

// Reader yields raw rows from a CSV stream. Columns are located by header
// name, so extra or reordered columns are fine.
type Reader struct {
	csv    *csv.Reader
	index  map[string]int
	symbol string
	line   int
}

// NewReader reads the header. symbol fills rows of files without a symbol column.
func NewReader(r io.Reader, symbol string) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		for field, aliases := range columns {
			for _, alias := range aliases {
				if _, seen := index[field]; !seen && name == alias {
					index[field] = i
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := index[field]; !ok {
			return nil, fmt.Errorf("header has no %s column", field)
		}
	}
	_, hasSymbol := index["symbol"]
	if !hasSymbol && strings.TrimSpace(symbol) == "" {
		return nil, errors.New("header has no symbol column and no symbol was given")
	}
	return &Reader{csv: cr, index: index, symbol: symbol, line: 1}, nil
}

// Read returns the next row or io.EOF.
func (r *Reader) Read() (marketdata.RawTrade, error) {
	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return marketdata.RawTrade{}, io.EOF
		}
		return marketdata.RawTrade{}, fmt.Errorf("line %d: %w", r.line+1, err)
	}
	r.line++
	row := marketdata.RawTrade{
		Timestamp:     r.field(record, "timestamp"),
		Symbol:        r.field(record, "symbol"),
		Side:          r.field(record, "side"),
		Size:          r.field(record, "size"),
		Price:         r.field(record, "price"),
		TradeID:       r.field(record, "trade_id"),
		TickDirection: r.field(record, "tick_direction"),
	}
	if row.Symbol == "" {
		row.Symbol = r.symbol
	}
	return row, nil
}

func (r *Reader) field(record []string, name string) string {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ReadAll reads every remaining row.
func (r *Reader) ReadAll() ([]marketdata.RawTrade, error) {
	var rows []marketdata.RawTrade
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

var _ interfaces.TradeSource = (*Source)(nil)

// Source streams a file, gzip-compressed when the name ends in .gz, in batches.
type Source struct {
	path      string
	symbol    string
	batchSize int
}

func NewSource(path, symbol string, batchSize int) *Source {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Source{path: path, symbol: symbol, batchSize: batchSize}
}

func (s *Source) Name() string {
	return "csv:" + filepath.Base(s.path)
}

// Stream hands the file to handle batch by batch and returns nil at the end of the file.
func (s *Source) Stream(ctx context.Context, handle interfaces.TradeHandler) error {
	f, err := os.Open(filepath.Clean(s.path))
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	var in io.Reader = f
	if strings.HasSuffix(strings.ToLower(s.path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", s.path, err)
		}
		defer gz.Close()
		in = gz
	}

	reader, err := NewReader(in, s.symbol)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}

	batch := make([]marketdata.RawTrade, 0, s.batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
		batch = append(batch, row)
		if len(batch) == s.batchSize {
			if err := handle(ctx, batch); err != nil {
				return err
			}
			batch = make([]marketdata.RawTrade, 0, s.batchSize)
		}
	}
	if len(batch) > 0 {
		return handle(ctx, batch)
	}
	return nil
}

package feed

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/types"
)

// CSVFeed serves historical bars parsed from a local CSV file.
// Row format: timestamp,open,high,low,close[,volume[,amount]], with an
// optional header row. Timestamps may be Unix seconds or common date layouts.
type CSVFeed struct {
	inner *MemoryFeed
	path  string
}

// NewCSVFeed loads and parses the file eagerly so malformed input fails at
// construction instead of mid-run.
func NewCSVFeed(path, symbol string) (*CSVFeed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()

	bars, err := ParseCSV(file, symbol)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &CSVFeed{inner: NewMemoryFeed(bars), path: path}, nil
}

// Next returns the next bar or EOF.
func (f *CSVFeed) Next(ctx context.Context) (Tick, error) { return f.inner.Next(ctx) }

// Close is a no-op; the file is consumed at construction.
func (f *CSVFeed) Close() error { return nil }

// Name returns the feed identifier.
func (f *CSVFeed) Name() string { return "local_csv" }

// Len returns the total bar count.
func (f *CSVFeed) Len() int { return f.inner.Len() }

// ParseCSV parses bars from a CSV reader, skipping a header row and any
// malformed rows.
func ParseCSV(r io.Reader, symbol string) ([]types.Bar, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var bars []types.Bar
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		line++

		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < 5 {
			continue
		}

		bar, err := parseRecord(record, symbol)
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRecord(record []string, symbol string) (types.Bar, error) {
	var bar types.Bar
	bar.Symbol = symbol

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return bar, fmt.Errorf("parse timestamp: %w", err)
	}
	bar.Timestamp = ts

	if bar.Open, err = decimal.NewFromString(record[1]); err != nil {
		return bar, fmt.Errorf("parse open: %w", err)
	}
	if bar.High, err = decimal.NewFromString(record[2]); err != nil {
		return bar, fmt.Errorf("parse high: %w", err)
	}
	if bar.Low, err = decimal.NewFromString(record[3]); err != nil {
		return bar, fmt.Errorf("parse low: %w", err)
	}
	if bar.Close, err = decimal.NewFromString(record[4]); err != nil {
		return bar, fmt.Errorf("parse close: %w", err)
	}

	if len(record) > 5 {
		if vol, err := strconv.ParseInt(record[5], 10, 64); err == nil {
			bar.Volume = vol
		}
	}
	if len(record) > 6 {
		if amt, err := decimal.NewFromString(record[6]); err == nil {
			bar.Amount = amt
		}
	}
	return bar, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	formats := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	for _, h := range []string{"timestamp", "time", "date", "datetime"} {
		if record[0] == h {
			return true
		}
	}
	return false
}

// Package dataset accepts uploaded price CSVs and tracks whether a usable
// dataset is available for training.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/aristath/qtrainer/pkg/formulas"
)

// CloseColumn is the column the worker trains on.
const CloseColumn = "Close"

const (
	smaPeriod = 20
	rsiPeriod = 14
	// minRows matches the worker, which needs at least one transition.
	minRows = 2
)

// InvalidError describes why an upload was rejected.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }

// Summary describes the Close series of a dataset.
type Summary struct {
	Rows   int      `json:"rows"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	Mean   float64  `json:"mean"`
	StdDev float64  `json:"stdDev"`
	SMA20  *float64 `json:"sma20,omitempty"`
	RSI14  *float64 `json:"rsi14,omitempty"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Analyze validates a CSV and summarizes its Close column.
func Analyze(r io.Reader) (*Summary, error) {
	closes, err := ReadCloses(r)
	if err != nil {
		return nil, err
	}

	lo, hi := formulas.MinMax(closes)
	return &Summary{
		Rows:   len(closes),
		Min:    lo,
		Max:    hi,
		Mean:   formulas.Mean(closes),
		StdDev: formulas.StdDev(closes),
		SMA20:  formulas.LastSMA(closes, smaPeriod),
		RSI14:  formulas.LastRSI(closes, rsiPeriod),
	}, nil
}

// ReadCloses returns the usable Close values of a CSV in file order. The
// header is the first non-empty line and must contain a Close column. Rows
// whose Close value is not a finite number are skipped.
func ReadCloses(r io.Reader) ([]float64, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &InvalidError{Reason: "CSV file is empty"}
	}
	if err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to read CSV header: %v", err)}
	}

	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == CloseColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, &InvalidError{Reason: "'Close' column missing in header"}
	}

	var closes []float64
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, &InvalidError{Reason: fmt.Sprintf("malformed CSV: %v", err)}
			}
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if col >= len(record) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		closes = append(closes, v)
	}

	if len(closes) < minRows {
		return nil, &InvalidError{Reason: fmt.Sprintf("insufficient usable rows: need at least %d numeric Close values, got %d", minRows, len(closes))}
	}

	return closes, nil
}

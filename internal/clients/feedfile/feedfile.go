// Package feedfile adapts a broker activity drop file to the sync driver's
// source interface. External broker integrations (or an operator exporting
// from the broker's portal) write one JSON document; the sync run ingests it.
// Network broker adapters implement the same interface out of tree.
package feedfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
)

// document is the on-disk feed shape. Every list is optional; a missing
// account block just means the bootstrap cannot run from this feed.
type document struct {
	Account        *accountBlock     `json:"account,omitempty"`
	Trades         []json.RawMessage `json:"trades"`
	CashActivities []json.RawMessage `json:"cash_activities"`
	Positions      []json.RawMessage `json:"positions"`
}

type accountBlock struct {
	AsOfUTC   string                    `json:"as_of_utc"`
	Cash      decimal.Decimal           `json:"cash"`
	Positions []domain.SnapshotPosition `json:"positions"`
}

// Source reads broker activity from a feed file. Each fetch re-reads the
// file, so a feed swapped in between calls is picked up.
type Source struct {
	path string
	log  zerolog.Logger
}

// New creates a feed file source over path.
func New(path string, log zerolog.Logger) *Source {
	return &Source{
		path: path,
		log:  log.With().Str("component", "feed_file").Logger(),
	}
}

// FetchTrades returns the feed's executed trades inside [from, to]. Records
// whose timestamp does not parse are passed through for the normalizer to
// judge.
func (s *Source) FetchTrades(ctx context.Context, from, to time.Time) ([]domain.RawTradeRecord, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]domain.RawTradeRecord, 0, len(doc.Trades))
	for _, msg := range doc.Trades {
		var rec domain.RawTradeRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse trade record: %w", err)
		}
		if !inWindow(rec.ExecutedAt, from, to) {
			continue
		}
		rec.Raw = decodeRaw(msg)
		out = append(out, rec)
	}
	s.log.Debug().Int("count", len(out)).Msg("Trades read from feed")
	return out, nil
}

// FetchCashActivities returns the feed's cash-family activity inside
// [from, to].
func (s *Source) FetchCashActivities(ctx context.Context, from, to time.Time) ([]domain.RawCashActivity, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]domain.RawCashActivity, 0, len(doc.CashActivities))
	for _, msg := range doc.CashActivities {
		var rec domain.RawCashActivity
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse cash activity: %w", err)
		}
		if !inWindow(rec.Date, from, to) {
			continue
		}
		rec.Raw = decodeRaw(msg)
		out = append(out, rec)
	}
	s.log.Debug().Int("count", len(out)).Msg("Cash activities read from feed")
	return out, nil
}

// FetchPositions returns the feed's position rows. A feed without a
// positions list reports an error so the drift check is skipped rather than
// read as an empty book.
func (s *Source) FetchPositions(ctx context.Context) ([]domain.RawPositionRecord, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if doc.Positions == nil {
		return nil, fmt.Errorf("feed %s carries no positions list", s.path)
	}

	out := make([]domain.RawPositionRecord, 0, len(doc.Positions))
	for _, msg := range doc.Positions {
		var rec domain.RawPositionRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse position record: %w", err)
		}
		rec.Raw = decodeRaw(msg)
		out = append(out, rec)
	}
	return out, nil
}

// FetchAccountSnapshot returns the feed's account block.
func (s *Source) FetchAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if doc.Account == nil {
		return nil, fmt.Errorf("feed %s carries no account block", s.path)
	}

	asOf, err := domain.ParseTimestamp(doc.Account.AsOfUTC)
	if err != nil {
		return nil, fmt.Errorf("feed account as_of_utc: %w", err)
	}
	return &domain.AccountSnapshot{
		AsOfUTC:   asOf,
		Cash:      doc.Account.Cash,
		Positions: doc.Account.Positions,
	}, nil
}

func (s *Source) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feed file %s: %w", s.path, err)
	}
	return &doc, nil
}

// inWindow reports whether the record timestamp falls inside [from, to].
// Empty or unparseable timestamps pass through.
func inWindow(raw string, from, to time.Time) bool {
	if raw == "" {
		return true
	}
	ts, err := domain.ParseTimestamp(raw)
	if err != nil {
		return true
	}
	return !ts.Before(from) && !ts.After(to)
}

// decodeRaw keeps the original record for provenance, with numbers preserved
// as json.Number so money fields survive verbatim.
func decodeRaw(msg json.RawMessage) domain.JSONValue {
	var raw domain.JSONValue
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	return raw
}

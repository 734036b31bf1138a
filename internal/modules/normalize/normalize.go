// Package normalize converts raw broker records into the canonical
// OFX-aligned form: fixed transaction types, millisecond UTC timestamps,
// stable FITIDs, and deterministic group ids. It is pure and does no I/O.
package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/domain"
)

// Normalizer stamps canonical records with the owning identity.
type Normalizer struct {
	id domain.Identity4
}

// New creates a normalizer for one bot identity.
func New(id domain.Identity4) *Normalizer {
	return &Normalizer{id: id}
}

// Trade normalizes one raw execution. The FITID prefers the source trade
// id; records without one fall back to the content tuple, so the id stays
// stable across re-normalizations of the same input.
func (n *Normalizer) Trade(raw domain.RawTradeRecord) (*domain.NormalizedRecord, error) {
	ts, err := domain.ParseTimestamp(raw.ExecutedAt)
	if err != nil {
		return nil, domain.NewValidationError("executed_at", "missing or unparseable timestamp")
	}
	ts = ts.Truncate(time.Millisecond)

	qty, err := domain.ParseDecimal(raw.Quantity)
	if err != nil {
		return nil, domain.NewValidationError("quantity", err.Error())
	}
	price, err := domain.ParseDecimal(raw.Price)
	if err != nil {
		return nil, domain.NewValidationError("price", err.Error())
	}
	qty = domain.QuantizeQty(qty)
	price = domain.QuantizePrice(price)

	total, err := optionalDecimal(raw.TotalValue)
	if err != nil {
		return nil, domain.NewValidationError("total_value", err.Error())
	}
	if total.IsZero() {
		total = qty.Mul(price)
	}
	total = domain.QuantizeMoney(total)

	fee, err := optionalDecimal(raw.Fee)
	if err != nil {
		return nil, domain.NewValidationError("fee", err.Error())
	}
	commission, err := optionalDecimal(raw.Commission)
	if err != nil {
		return nil, domain.NewValidationError("commission", err.Error())
	}

	sourceID := firstNonEmpty(raw.TradeID, raw.ID)
	var fitid string
	if sourceID != "" {
		fitid = FITID(prefixTrade, sourceID)
	} else {
		fitid = FITID(prefixTrade, n.id.BrokerCode, "trade", raw.Symbol,
			domain.FormatMillisUTC(ts), qty.String(), price.String())
	}

	groupSeed := fitid
	if raw.OrderID != "" {
		groupSeed = raw.OrderID
	}

	tradeID := sourceID
	if tradeID == "" {
		tradeID = fitid
	}

	return &domain.NormalizedRecord{
		DTPosted: ts,
		Kind:     domain.KindTrade,
		TrnType:  MapTradeAction(raw.Action),
		FITID:    fitid,
		GroupID:  GroupID(groupSeed),
		Trade: &domain.TradeFields{
			TradeID:    tradeID,
			OrderID:    raw.OrderID,
			Symbol:     raw.Symbol,
			Action:     raw.Action,
			Currency:   raw.Currency,
			Quantity:   qty,
			Price:      price,
			TotalValue: total,
			Fee:        domain.QuantizeMoney(fee),
			Commission: domain.QuantizeMoney(commission),
		},
		Raw:       rawSnapshot(raw.Raw, raw),
		Identity4: n.id,
	}, nil
}

// Cash normalizes one raw cash activity.
func (n *Normalizer) Cash(raw domain.RawCashActivity) (*domain.NormalizedRecord, error) {
	ts, err := domain.ParseTimestamp(raw.Date)
	if err != nil {
		return nil, domain.NewValidationError("date", "missing or unparseable timestamp")
	}
	ts = ts.Truncate(time.Millisecond)

	amount, err := domain.ParseDecimal(raw.Amount)
	if err != nil {
		return nil, domain.NewValidationError("amount", err.Error())
	}
	amount = domain.QuantizeMoney(amount)

	sourceID := firstNonEmpty(raw.ActivityID, raw.ID)
	var fitid string
	if sourceID != "" {
		fitid = FITID(prefixActivity, sourceID)
	} else {
		fitid = FITID(prefixActivity, n.id.BrokerCode, "cash", raw.Symbol,
			domain.FormatMillisUTC(ts), amount.String(), "")
	}

	activityID := sourceID
	if activityID == "" {
		activityID = fitid
	}

	return &domain.NormalizedRecord{
		DTPosted: ts,
		Kind:     domain.KindCash,
		TrnType:  MapActivityType(raw.ActivityType),
		FITID:    fitid,
		GroupID:  GroupID(fitid),
		Cash: &domain.CashFields{
			ActivityID:  activityID,
			Symbol:      raw.Symbol,
			Currency:    raw.Currency,
			Description: raw.Description,
			Amount:      amount,
		},
		Raw:       rawSnapshot(raw.Raw, raw),
		Identity4: n.id,
	}, nil
}

// Position normalizes one position snapshot row. Position records carry no
// source id, so the FITID is always derived from the content tuple. asOf is
// used when the row itself has no timestamp.
func (n *Normalizer) Position(raw domain.RawPositionRecord, asOf time.Time) (*domain.NormalizedRecord, error) {
	ts := asOf
	if raw.AsOf != "" {
		parsed, err := domain.ParseTimestamp(raw.AsOf)
		if err != nil {
			return nil, domain.NewValidationError("as_of", "unparseable timestamp")
		}
		ts = parsed
	}
	if ts.IsZero() {
		return nil, domain.NewValidationError("as_of", "missing timestamp")
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	qty, err := domain.ParseDecimal(raw.Quantity)
	if err != nil {
		return nil, domain.NewValidationError("quantity", err.Error())
	}
	qty = domain.QuantizeQty(qty)

	unitPrice, err := optionalDecimal(raw.UnitPrice)
	if err != nil {
		return nil, domain.NewValidationError("unit_price", err.Error())
	}
	unitPrice = domain.QuantizePrice(unitPrice)
	marketValue, err := optionalDecimal(raw.MarketValue)
	if err != nil {
		return nil, domain.NewValidationError("market_value", err.Error())
	}
	basis, err := optionalDecimal(raw.Basis)
	if err != nil {
		return nil, domain.NewValidationError("basis", err.Error())
	}

	fitid := FITID(prefixPosition, n.id.BrokerCode, "position", raw.Symbol,
		domain.FormatMillisUTC(ts), qty.String(), unitPrice.String())

	return &domain.NormalizedRecord{
		DTPosted: ts,
		Kind:     domain.KindPosition,
		TrnType:  domain.TrnPos,
		FITID:    fitid,
		GroupID:  GroupID(fitid),
		Position: &domain.PositionFields{
			Symbol:      raw.Symbol,
			Currency:    raw.Currency,
			Quantity:    qty,
			UnitPrice:   unitPrice,
			MarketValue: domain.QuantizeMoney(marketValue),
			Basis:       domain.QuantizeMoney(basis),
		},
		Raw:       rawSnapshot(raw.Raw, raw),
		Identity4: n.id,
	}, nil
}

// optionalDecimal parses a numeric field that may be absent, returning zero
// for the empty value.
func optionalDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return domain.ParseDecimal(n)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rawSnapshot keeps the original record for provenance. Adapters that hold
// the true wire payload pass it through; otherwise the typed record is
// round-tripped into a generic map.
func rawSnapshot(raw domain.JSONValue, v any) domain.JSONValue {
	if raw != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m domain.JSONValue
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

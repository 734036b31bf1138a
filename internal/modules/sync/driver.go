// Package sync implements the broker reconciliation driver: snapshot the
// ledger, pull raw activity from the broker adapter, normalize and dedupe
// it, apply compliance, and post what survives through the double-entry
// engine with FIFO lot accounting.
package sync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/tradebook/internal/config"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/identity"
	"github.com/aristath/tradebook/internal/lifecycle"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/lots"
	"github.com/aristath/tradebook/internal/modules/mapping"
	"github.com/aristath/tradebook/internal/modules/normalize"
	"github.com/aristath/tradebook/internal/utils"
)

// Driver runs one end-to-end sync pass against a broker activity source.
// The posting engines are built per run so every journal, lot, and audit
// record carries the run's scope.
type Driver struct {
	tree   *identity.Tree
	cfg    *config.Config
	conn   *sql.DB
	table  *mapping.Table
	policy ledger.Policy
	audit  *ledger.AuditLog
	flags  *lifecycle.Flags
	source domain.BrokerActivitySource
	norm   *normalize.Normalizer
	log    zerolog.Logger
	now    func() time.Time
}

// NewDriver wires a sync driver. table may be nil when no COA mapping is
// installed yet; unresolved cash entries then post to the suspense pair.
func NewDriver(
	tree *identity.Tree,
	cfg *config.Config,
	conn *sql.DB,
	table *mapping.Table,
	policy ledger.Policy,
	audit *ledger.AuditLog,
	flags *lifecycle.Flags,
	source domain.BrokerActivitySource,
	log zerolog.Logger,
) *Driver {
	return &Driver{
		tree:   tree,
		cfg:    cfg,
		conn:   conn,
		table:  table,
		policy: policy,
		audit:  audit,
		flags:  flags,
		source: source,
		norm:   normalize.New(tree.Identity()),
		log:    log.With().Str("component", "sync").Logger(),
		now:    time.Now,
	}
}

// Result summarizes one sync run. The counters partition the fetched
// records: each one ends up malformed, duplicate, rejected, failed, or
// posted.
type Result struct {
	RunID         string `json:"sync_run_id"`
	FromUTC       string `json:"from_utc"`
	ToUTC         string `json:"to_utc"`
	SnapshotPath  string `json:"snapshot_path,omitempty"`
	Fetched       int    `json:"fetched"`
	Malformed     int    `json:"malformed"`
	Duplicates    int    `json:"duplicates"`
	Rejected      int    `json:"rejected"`
	Posted        int    `json:"posted"`
	Failed        int    `json:"failed"`
	PositionDrift int    `json:"position_drift,omitempty"`
	Bootstrapped  bool   `json:"bootstrapped,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

func (r *Result) counts() domain.JSONValue {
	return domain.JSONValue{
		"fetched":    r.Fetched,
		"malformed":  r.Malformed,
		"duplicates": r.Duplicates,
		"rejected":   r.Rejected,
		"posted":     r.Posted,
		"failed":     r.Failed,
	}
}

// Run executes one sync pass. The ledger file is snapshotted before any
// write. When the test_mode flag is raised the run stops after the
// compliance rehearsal and posts nothing.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	now := d.now().UTC()
	from := now.AddDate(0, 0, -d.cfg.SyncLookbackDays)
	res := &Result{
		RunID:   uuid.NewString(),
		FromUTC: domain.FormatUTC(from),
		ToUTC:   domain.FormatUTC(now),
		DryRun:  d.flags.IsSet(domain.FlagTestMode),
	}
	log := d.log.With().Str("sync_run_id", res.RunID).Logger()
	log.Info().
		Str("from", res.FromUTC).
		Str("to", res.ToUTC).
		Bool("dry_run", res.DryRun).
		Msg("Sync run starting")
	timer := utils.NewTimer("sync_run", log)
	defer func() { timer.StopN(res.Fetched) }()

	if !res.DryRun {
		path, err := d.snapshotLedger(now, log)
		if err != nil {
			return res, err
		}
		res.SnapshotPath = path
	}

	trades, err := d.source.FetchTrades(ctx, from, now)
	if err != nil {
		return res, fmt.Errorf("failed to fetch trades: %w", err)
	}
	cash, err := d.source.FetchCashActivities(ctx, from, now)
	if err != nil {
		return res, fmt.Errorf("failed to fetch cash activities: %w", err)
	}
	res.Fetched = len(trades) + len(cash)

	audit := d.audit.WithExtras(domain.JSONValue{
		"sync_run_id":   res.RunID,
		"response_hash": responseHash(trades, cash),
	})
	eng := ledger.NewEngine(d.conn, lots.NewEngine(d.conn, audit, log),
		d.table, audit, d.policy, d.tree.Identity(), log)

	tradeRecs, cashRecs := d.normalizeAll(trades, cash, res, log)

	if res.DryRun {
		d.rehearse(eng, tradeRecs, cashRecs, res, log)
		audit.Event("sync_dry_run", domain.JSONValue{"after": res.counts()})
		log.Info().
			Int("trades", len(tradeRecs)).
			Int("cash", len(cashRecs)).
			Int("would_reject", res.Rejected).
			Msg("Test mode, nothing posted")
		return res, d.writeResult(res)
	}

	if err := d.bootstrap(ctx, eng, res); err != nil {
		return res, err
	}
	if err := d.postTrades(ctx, eng, audit, tradeRecs, res, log); err != nil {
		return res, err
	}
	if err := postCash(eng, cashRecs, res); err != nil {
		return res, err
	}
	d.reconcilePositions(ctx, eng, audit, res, log)

	audit.Event("sync_completed", domain.JSONValue{"after": res.counts()})
	log.Info().
		Int("fetched", res.Fetched).
		Int("posted", res.Posted).
		Int("duplicates", res.Duplicates).
		Int("rejected", res.Rejected).
		Int("failed", res.Failed).
		Bool("bootstrapped", res.Bootstrapped).
		Msg("Sync run complete")
	return res, d.writeResult(res)
}

// snapshotLedger byte-copies the ledger database with a timestamped name
// before the run writes anything. The WAL is checkpointed first so the
// copy holds every committed journal. A missing file means a first run
// against an empty tree.
func (d *Driver) snapshotLedger(now time.Time, log zerolog.Logger) (string, error) {
	src := d.tree.LedgerDB()
	if !utils.Exists(src) {
		return "", nil
	}
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		log.Warn().Err(err).Msg("WAL checkpoint failed, snapshot may trail the ledger")
	}
	dst := filepath.Join(d.tree.SnapshotsDir(),
		fmt.Sprintf("ledger_%s.db", now.Format("20060102T150405Z")))
	if err := utils.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("failed to snapshot ledger db: %w", err)
	}
	log.Info().Str("path", dst).Msg("Ledger snapshot written")
	return dst, nil
}

// normalizeAll sanitizes the raw feed and drops in-memory duplicates by
// FITID across both record families. Malformed records are logged and
// skipped, never fatal.
func (d *Driver) normalizeAll(trades []domain.RawTradeRecord, cash []domain.RawCashActivity,
	res *Result, log zerolog.Logger) ([]*domain.NormalizedRecord, []*domain.NormalizedRecord) {

	seen := make(map[string]bool, len(trades)+len(cash))
	keep := func(rec *domain.NormalizedRecord) bool {
		if seen[rec.FITID] {
			res.Duplicates++
			return false
		}
		seen[rec.FITID] = true
		return true
	}

	tradeRecs := make([]*domain.NormalizedRecord, 0, len(trades))
	for i := range trades {
		rec, err := d.norm.Trade(trades[i])
		if err != nil {
			res.Malformed++
			logMalformed(log, "trade", err)
			continue
		}
		if keep(rec) {
			tradeRecs = append(tradeRecs, rec)
		}
	}

	cashRecs := make([]*domain.NormalizedRecord, 0, len(cash))
	for i := range cash {
		rec, err := d.norm.Cash(cash[i])
		if err != nil {
			res.Malformed++
			logMalformed(log, "cash", err)
			continue
		}
		if keep(rec) {
			cashRecs = append(cashRecs, rec)
		}
	}
	return tradeRecs, cashRecs
}

// bootstrap seeds opening balances on the first run against an empty
// ledger. The broker account snapshot is only fetched when needed.
func (d *Driver) bootstrap(ctx context.Context, eng *ledger.Engine, res *Result) error {
	needed, err := eng.NeedsBootstrap()
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}
	snap, err := d.source.FetchAccountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch account snapshot: %w", err)
	}
	posted, err := eng.BootstrapOpeningBalances(snap)
	if err != nil {
		return err
	}
	res.Bootstrapped = posted
	return nil
}

// postTrades pushes trade-family records through the trade primitives so
// FIFO lots open and close. The primitives skip the compliance policy, so
// the checks run here first, mirroring the batch path.
func (d *Driver) postTrades(ctx context.Context, eng *ledger.Engine, audit *ledger.AuditLog,
	recs []*domain.NormalizedRecord, res *Result, log zerolog.Logger) error {

	now := d.now().UTC()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := rec.Trade

		entry := tradeEntry(rec)
		if reject := d.policy.ValidateEntry(&entry, now); reject != nil {
			res.Rejected++
			audit.RecordReject(*reject, rec.Raw)
			continue
		}
		exists, err := eng.TradeExists(t.TradeID)
		if err != nil {
			return err
		}
		if exists {
			res.Duplicates++
			continue
		}

		err = eng.PostTrade(ledger.TradeParams{
			Timestamp:  rec.DTPosted,
			Raw:        rec.Raw,
			TradeID:    t.TradeID,
			GroupID:    rec.GroupID,
			FITID:      rec.FITID,
			Symbol:     t.Symbol,
			Action:     t.Action,
			Quantity:   t.Quantity,
			Price:      t.Price,
			Fee:        t.Fee,
			Commission: t.Commission,
		})
		if err != nil {
			res.Failed++
			log.Error().Err(err).Str("trade_id", t.TradeID).Msg("Trade posting failed")
			continue
		}
		res.Posted++
	}
	return nil
}

// postCash routes cash-family records through the batch path, which runs
// its own dedupe and compliance and audits every reject.
func postCash(eng *ledger.Engine, recs []*domain.NormalizedRecord, res *Result) error {
	if len(recs) == 0 {
		return nil
	}
	entries := make([]ledger.Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, ledger.EntryFromRecord(rec))
	}
	batch, err := eng.PostBatch(entries)
	if err != nil {
		return fmt.Errorf("failed to post cash batch: %w", err)
	}
	res.Posted += batch.Posted
	res.Failed += len(batch.Failed)
	for _, reject := range batch.Rejects {
		if reject.Reason == domain.RejectDuplicateTradeID {
			res.Duplicates++
			continue
		}
		res.Rejected++
	}
	return nil
}

// rehearse runs the compliance and dedupe checks without posting, so a
// test-mode run still reports what a live run would do. Nothing lands in
// the audit trail as rejected because nothing was dropped.
func (d *Driver) rehearse(eng *ledger.Engine, tradeRecs, cashRecs []*domain.NormalizedRecord,
	res *Result, log zerolog.Logger) {

	now := d.now().UTC()
	check := func(entry ledger.Entry) {
		if reject := d.policy.ValidateEntry(&entry, now); reject != nil {
			res.Rejected++
			log.Warn().
				Str("trade_id", entry.TradeID).
				Str("reason", string(reject.Reason)).
				Msg("Entry would be rejected")
			return
		}
		exists, err := eng.TradeExists(entry.TradeID)
		if err != nil {
			log.Warn().Err(err).Str("trade_id", entry.TradeID).Msg("Dedupe check failed")
			return
		}
		if exists {
			res.Duplicates++
		}
	}
	for _, rec := range tradeRecs {
		check(tradeEntry(rec))
	}
	for _, rec := range cashRecs {
		check(ledger.EntryFromRecord(rec))
	}
}

// reconcilePositions compares the broker's position rows against the lot
// book after posting. Drift is reported and audited, never auto-corrected.
func (d *Driver) reconcilePositions(ctx context.Context, eng *ledger.Engine,
	audit *ledger.AuditLog, res *Result, log zerolog.Logger) {

	raws, err := d.source.FetchPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Position fetch failed, skipping drift check")
		return
	}

	open, err := eng.Lots().OpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("Lot book read failed, skipping drift check")
		return
	}
	book := make(map[string]decimal.Decimal, len(open))
	for _, lot := range open {
		qty := lot.QtyRemaining
		if lot.Side == domain.LotShort {
			qty = qty.Neg()
		}
		book[lot.Symbol] = book[lot.Symbol].Add(qty)
	}

	now := d.now().UTC()
	broker := make(map[string]decimal.Decimal, len(raws))
	for i := range raws {
		rec, err := d.norm.Position(raws[i], now)
		if err != nil {
			logMalformed(log, "position", err)
			continue
		}
		p := rec.Position
		broker[p.Symbol] = broker[p.Symbol].Add(p.Quantity)
	}

	drift := domain.JSONValue{}
	for symbol, want := range broker {
		if have := book[symbol]; !have.Equal(want) {
			drift[symbol] = domain.JSONValue{"broker": want.String(), "ledger": have.String()}
		}
	}
	for symbol, have := range book {
		if _, ok := broker[symbol]; !ok && !have.IsZero() {
			drift[symbol] = domain.JSONValue{"broker": "0", "ledger": have.String()}
		}
	}
	if len(drift) == 0 {
		return
	}
	res.PositionDrift = len(drift)
	audit.Event("position_drift", domain.JSONValue{"after": drift})
	log.Warn().Int("symbols", len(drift)).Msg("Broker positions drift from lot book")
}

// writeResult persists the run summary for the status surfaces.
func (d *Driver) writeResult(res *Result) error {
	if err := utils.WriteJSONAtomic(d.tree.SyncResultFile(), res, 0o644); err != nil {
		return fmt.Errorf("failed to write sync result: %w", err)
	}
	return nil
}

// tradeEntry shapes a trade record for the compliance policy. The account
// is fixed because trade journals always route through cash.
func tradeEntry(rec *domain.NormalizedRecord) ledger.Entry {
	t := rec.Trade
	return ledger.Entry{
		DatetimeUTC: rec.DTPosted,
		TradeID:     t.TradeID,
		GroupID:     rec.GroupID,
		FITID:       rec.FITID,
		Symbol:      t.Symbol,
		Action:      t.Action,
		Account:     ledger.AccountCash,
		Side:        domain.SideDebit,
		Quantity:    t.Quantity,
		Price:       t.Price,
		TotalValue:  t.TotalValue,
	}
}

// responseHash fingerprints the raw broker payload so audit consumers can
// tell identical re-fetches apart from changed data.
func responseHash(trades []domain.RawTradeRecord, cash []domain.RawCashActivity) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(trades)
	_ = enc.Encode(cash)
	return hex.EncodeToString(h.Sum(nil))
}

func logMalformed(log zerolog.Logger, kind string, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		log.Warn().
			Str("kind", kind).
			Str("field", verr.Node).
			Str("reason", verr.Reason).
			Msg("Skipping malformed record")
		return
	}
	log.Warn().Err(err).Str("kind", kind).Msg("Skipping malformed record")
}

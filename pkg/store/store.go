// Package store is the Store described in spec §4.5: the single
// relational data-access layer shared by the retrieval gateway, the event
// indexer, and the usage reporter. It owns every invariant in §3 and
// exposes only the operations those three callers need — no caller talks
// to the database directly.
package store

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/filbeam/filbeam-core/internal/errors"
)

// Store wraps the shared sqlx.DB pool.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// candidateRow is the full outer-joined row produced by the candidate
// query: piece -> data_set -> service_provider -> wallet_details ->
// egress_quotas, with every join after "piece" left-joined so that a
// missing service provider, a missing quotas row, or a payer mismatch
// still produces a row we can reason about in priority order.
type candidateRow struct {
	PieceID              string         `db:"piece_id"`
	PieceCID             string         `db:"piece_cid"`
	DataSetID            sql.NullString `db:"data_set_id"`
	PayerAddress         sql.NullString `db:"payer_address"`
	WithCDN              sql.NullBool   `db:"with_cdn"`
	ServiceProviderID    sql.NullString `db:"service_provider_id"`
	ServiceURL           sql.NullString `db:"service_url"`
	ProviderIsDeleted    sql.NullBool   `db:"provider_is_deleted"`
	IsSanctioned         sql.NullBool   `db:"is_sanctioned"`
	CDNEgressQuota       sql.NullString `db:"cdn_egress_quota"`
	CacheMissEgressQuota sql.NullString `db:"cache_miss_egress_quota"`
}

const candidateQuery = `
SELECT
	p.id                AS piece_id,
	p.cid               AS piece_cid,
	d.id                AS data_set_id,
	d.payer_address     AS payer_address,
	d.with_cdn          AS with_cdn,
	sp.id               AS service_provider_id,
	sp.service_url      AS service_url,
	sp.is_deleted       AS provider_is_deleted,
	w.is_sanctioned     AS is_sanctioned,
	q.cdn_egress_quota       AS cdn_egress_quota,
	q.cache_miss_egress_quota AS cache_miss_egress_quota
FROM pieces p
LEFT JOIN data_sets d ON d.id = p.data_set_id
LEFT JOIN service_providers sp ON sp.id = d.service_provider_id
LEFT JOIN wallet_details w ON w.address = d.payer_address
LEFT JOIN data_set_egress_quotas q ON q.data_set_id = d.id
WHERE p.cid = $1 AND p.is_deleted = false
`

// GetRetrievalCandidatesAndValidatePayer implements spec §4.1 step 3's
// priority-ordered candidate selection. It returns the surviving
// candidate set (every check in the priority chain satisfied) or the
// earliest-applicable *errors.AppError.
func (s *Store) GetRetrievalCandidatesAndValidatePayer(ctx context.Context, cid, payerAddress string, enforceQuota bool) ([]RetrievalCandidate, *apperrors.AppError) {
	payerAddress = strings.ToLower(payerAddress)

	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, candidateQuery, cid); err != nil {
		return nil, apperrors.NewDatabaseError("select retrieval candidates", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewNotFoundError("piece")
	}

	hasProvider := func(r candidateRow) bool { return r.ServiceProviderID.Valid }
	if !anyRow(rows, hasProvider) {
		return nil, apperrors.NewNotFoundError("service provider")
	}

	forPayer := filterRows(rows, func(r candidateRow) bool {
		return r.PayerAddress.Valid && strings.ToLower(r.PayerAddress.String) == payerAddress
	})
	if len(forPayer) == 0 {
		return nil, apperrors.NewPaymentError("no data set for payer")
	}

	withCDN := filterRows(forPayer, func(r candidateRow) bool { return r.WithCDN.Valid && r.WithCDN.Bool })
	if len(withCDN) == 0 {
		return nil, apperrors.NewPaymentError("data set does not have CDN enabled")
	}

	unsanctioned := filterRows(withCDN, func(r candidateRow) bool { return !(r.IsSanctioned.Valid && r.IsSanctioned.Bool) })
	if len(unsanctioned) == 0 {
		return nil, apperrors.NewSanctionedError(payerAddress)
	}

	approved := filterRows(unsanctioned, func(r candidateRow) bool {
		return r.ServiceURL.Valid && r.ServiceURL.String != "" && !(r.ProviderIsDeleted.Valid && r.ProviderIsDeleted.Bool)
	})
	if len(approved) == 0 {
		return nil, apperrors.NewNotFoundError("approved service provider")
	}

	final := approved
	if enforceQuota {
		cdnOK := filterRows(final, func(r candidateRow) bool { return quotaPositive(r.CDNEgressQuota) })
		if len(cdnOK) == 0 {
			return nil, apperrors.NewPaymentError("CDN egress quota exhausted")
		}
		cacheOK := filterRows(cdnOK, func(r candidateRow) bool { return quotaPositive(r.CacheMissEgressQuota) })
		if len(cacheOK) == 0 {
			return nil, apperrors.NewPaymentError("cache-miss egress quota exhausted")
		}
		final = cacheOK
	}

	out := make([]RetrievalCandidate, 0, len(final))
	for _, r := range final {
		out = append(out, RetrievalCandidate{
			PieceID:              r.PieceID,
			PieceCID:             r.PieceCID,
			DataSetID:            r.DataSetID.String,
			PayerAddress:         r.PayerAddress.String,
			WithCDN:              r.WithCDN.Bool,
			ServiceProviderID:    r.ServiceProviderID.String,
			ServiceURL:           r.ServiceURL.String,
			ProviderApproved:     true,
			IsSanctioned:         false,
			CDNEgressQuota:       r.CDNEgressQuota.String,
			CacheMissEgressQuota: r.CacheMissEgressQuota.String,
		})
	}
	return out, nil
}

func anyRow(rows []candidateRow, pred func(candidateRow) bool) bool {
	for _, r := range rows {
		if pred(r) {
			return true
		}
	}
	return false
}

func filterRows(rows []candidateRow, pred func(candidateRow) bool) []candidateRow {
	out := make([]candidateRow, 0, len(rows))
	for _, r := range rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

func quotaPositive(ns sql.NullString) bool {
	if !ns.Valid {
		return false
	}
	v, ok := new(big.Int).SetString(ns.String, 10)
	if !ok {
		return false
	}
	return v.Sign() > 0
}

// LogRetrievalResult appends one row to the retrieval_logs table (§4.1
// step 6, §3: append-only).
func (s *Store) LogRetrievalResult(ctx context.Context, log RetrievalLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO retrieval_logs
			(timestamp, response_status, egress_bytes, cache_miss, fetch_ttfb_ms, fetch_ttlb_ms,
			 worker_ttfb_ms, request_country_code, data_set_id, bot_name)
		VALUES
			(:timestamp, :response_status, :egress_bytes, :cache_miss, :fetch_ttfb_ms, :fetch_ttlb_ms,
			 :worker_ttfb_ms, :request_country_code, :data_set_id, :bot_name)
	`, log)
	if err != nil {
		return apperrors.NewDatabaseError("log retrieval result", err)
	}
	return nil
}

// UpdateDataSetStats implements §4.5's updateDataSetStats: always
// increments total_egress_bytes_used; when enforce is true, also
// subtracts egress from cdn_egress_quota unconditionally, and from
// cache_miss_egress_quota only when cacheMiss is true. Negative results
// are permitted (§4.1 step 6, §8).
func (s *Store) UpdateDataSetStats(ctx context.Context, dataSetID string, egress int64, cacheMiss, enforce bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError("begin update data set stats", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE data_sets SET total_egress_bytes_used = total_egress_bytes_used + $1 WHERE id = $2
	`, egress, dataSetID); err != nil {
		return apperrors.NewDatabaseError("increment total egress", err)
	}

	if enforce {
		if _, err := tx.ExecContext(ctx, `
			UPDATE data_set_egress_quotas
			SET cdn_egress_quota = (cdn_egress_quota::numeric - $1)::text
			WHERE data_set_id = $2
		`, egress, dataSetID); err != nil {
			return apperrors.NewDatabaseError("decrement cdn quota", err)
		}
		if cacheMiss {
			if _, err := tx.ExecContext(ctx, `
				UPDATE data_set_egress_quotas
				SET cache_miss_egress_quota = (cache_miss_egress_quota::numeric - $1)::text
				WHERE data_set_id = $2
			`, egress, dataSetID); err != nil {
				return apperrors.NewDatabaseError("decrement cache-miss quota", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("commit update data set stats", err)
	}
	return nil
}

// UpsertDataSet inserts a new DataSet row on DataSetCreated (§4.2). The
// payer address must already be lowercased by the caller.
func (s *Store) UpsertDataSet(ctx context.Context, ds DataSet) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO data_sets
			(id, service_provider_id, payer_address, with_cdn, with_ipfs_indexing,
			 total_egress_bytes_used, usage_reported_until, cdn_payments_settled_until)
		VALUES
			(:id, :service_provider_id, :payer_address, :with_cdn, :with_ipfs_indexing,
			 0, 'epoch', 'epoch')
		ON CONFLICT (id) DO NOTHING
	`, ds)
	if err != nil {
		return apperrors.NewDatabaseError("upsert data set", err)
	}
	return nil
}

// UpsertPiece inserts or updates a piece row (§4.2 piece-added).
func (s *Store) UpsertPiece(ctx context.Context, p Piece) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pieces (id, data_set_id, cid, ipfs_root_cid, x402_price, is_deleted)
		VALUES (:id, :data_set_id, :cid, :ipfs_root_cid, :x402_price, false)
		ON CONFLICT (id) DO UPDATE SET
			ipfs_root_cid = EXCLUDED.ipfs_root_cid,
			x402_price    = EXCLUDED.x402_price
	`, p)
	if err != nil {
		return apperrors.NewDatabaseError("upsert piece", err)
	}
	return nil
}

// MarkPiecesRemoved flips is_deleted for the given piece IDs
// (§4.2 pieces-removed) and returns, for each removed piece's cid+payer,
// whether any non-deleted copy of that cid remains under the same payer
// (§3 invariant 3) — false means the caller should delete the x402 KV
// entry for that (payer, cid) pair.
func (s *Store) MarkPiecesRemoved(ctx context.Context, pieceIDs []string) (map[string]bool, error) {
	if len(pieceIDs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin mark pieces removed", err)
	}
	defer tx.Rollback()

	type cidPayer struct {
		CID   string `db:"cid"`
		Payer string `db:"payer_address"`
	}
	var affected []cidPayer
	query, args, err := sqlx.In(`
		SELECT p.cid AS cid, d.payer_address AS payer_address
		FROM pieces p JOIN data_sets d ON d.id = p.data_set_id
		WHERE p.id IN (?)
	`, pieceIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("build mark pieces removed query", err)
	}
	query = tx.Rebind(query)
	if err := tx.SelectContext(ctx, &affected, query, args...); err != nil {
		return nil, apperrors.NewDatabaseError("select affected pieces", err)
	}

	updateQuery, updateArgs, err := sqlx.In(`UPDATE pieces SET is_deleted = true WHERE id IN (?)`, pieceIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("build mark pieces removed update", err)
	}
	updateQuery = tx.Rebind(updateQuery)
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, apperrors.NewDatabaseError("mark pieces removed", err)
	}

	remaining := make(map[string]bool, len(affected))
	for _, cp := range affected {
		key := cp.Payer + ":" + cp.CID
		var count int
		if err := tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM pieces p JOIN data_sets d ON d.id = p.data_set_id
			WHERE p.cid = $1 AND d.payer_address = $2 AND p.is_deleted = false
		`, cp.CID, cp.Payer); err != nil {
			return nil, apperrors.NewDatabaseError("count remaining pieces", err)
		}
		remaining[key] = count > 0
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("commit mark pieces removed", err)
	}
	return remaining, nil
}

// UpsertServiceProvider applies §3 invariant 4: only a strictly greater
// block_number replaces the stored row.
func (s *Store) UpsertServiceProvider(ctx context.Context, sp ServiceProvider) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO service_providers (id, service_url, block_number, is_deleted)
		VALUES (:id, :service_url, :block_number, false)
		ON CONFLICT (id) DO UPDATE SET
			service_url  = EXCLUDED.service_url,
			block_number = EXCLUDED.block_number
		WHERE EXCLUDED.block_number > service_providers.block_number
	`, sp)
	if err != nil {
		return apperrors.NewDatabaseError("upsert service provider", err)
	}
	return nil
}

// MarkServiceProviderRemoved flips is_deleted unconditionally
// (§4.2 provider-removed).
func (s *Store) MarkServiceProviderRemoved(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE service_providers SET is_deleted = true WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewDatabaseError("mark service provider removed", err)
	}
	return nil
}

// UpsertWalletDetails records a sanction-screening result.
func (s *Store) UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error {
	address = strings.ToLower(address)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_details (address, is_sanctioned, last_screened_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			is_sanctioned = EXCLUDED.is_sanctioned,
			last_screened_at = EXCLUDED.last_screened_at
	`, address, isSanctioned, screenedAt)
	if err != nil {
		return apperrors.NewDatabaseError("upsert wallet details", err)
	}
	return nil
}

// StaleWallets returns up to limit wallet addresses whose last_screened_at
// is missing or older than the staleness threshold (§4.2 wallet screening).
func (s *Store) StaleWallets(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	var addrs []string
	err := s.db.SelectContext(ctx, &addrs, `
		SELECT address FROM wallet_details
		WHERE last_screened_at < $1
		ORDER BY last_screened_at ASC
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("select stale wallets", err)
	}
	return addrs, nil
}

// IncrementEgressQuotas applies a top-up (§4.2
// cdn-payment-rails-topped-up): upserts the quotas row, adding to both
// quotas using arbitrary-precision decimal arithmetic. Every call adds;
// the webhook handler gates it on processed_events for idempotency.
func (s *Store) IncrementEgressQuotas(ctx context.Context, dataSetID string, cdnBytes, cacheMissBytes *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_set_egress_quotas (data_set_id, cdn_egress_quota, cache_miss_egress_quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (data_set_id) DO UPDATE SET
			cdn_egress_quota = (data_set_egress_quotas.cdn_egress_quota::numeric + EXCLUDED.cdn_egress_quota::numeric)::text,
			cache_miss_egress_quota = (data_set_egress_quotas.cache_miss_egress_quota::numeric + EXCLUDED.cache_miss_egress_quota::numeric)::text
	`, dataSetID, cdnBytes.String(), cacheMissBytes.String())
	if err != nil {
		return apperrors.NewDatabaseError("increment egress quotas", err)
	}
	return nil
}

// RecordServiceTerminated flips with_cdn to false and sets
// lockup_unlocks_at (§4.2 service-terminated / cdn-service-terminated).
func (s *Store) RecordServiceTerminated(ctx context.Context, dataSetID string, lockupUnlocksAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE data_sets SET with_cdn = false, lockup_unlocks_at = $1 WHERE id = $2
	`, lockupUnlocksAt, dataSetID)
	if err != nil {
		return apperrors.NewDatabaseError("record service terminated", err)
	}
	return nil
}

// RecordCDNPaymentSettled implements the monotonic max() upsert from §4.2.
func (s *Store) RecordCDNPaymentSettled(ctx context.Context, dataSetID string, settledUntil time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE data_sets
		SET cdn_payments_settled_until = GREATEST(cdn_payments_settled_until, $1)
		WHERE id = $2
	`, settledUntil, dataSetID)
	if err != nil {
		return apperrors.NewDatabaseError("record cdn payment settled", err)
	}
	return nil
}

// IsEventProcessed checks the processed_events idempotency table (§3, §5).
func (s *Store) IsEventProcessed(ctx context.Context, eventType, entityID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM processed_events WHERE event_type = $1 AND entity_id = $2
	`, eventType, entityID)
	if err != nil {
		return false, apperrors.NewDatabaseError("check processed event", err)
	}
	return count > 0, nil
}

// MarkEventProcessed records an idempotency key. It is safe to call
// concurrently for the same key; the second call is a no-op.
func (s *Store) MarkEventProcessed(ctx context.Context, eventType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_type, entity_id, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_type, entity_id) DO NOTHING
	`, eventType, entityID)
	if err != nil {
		return apperrors.NewDatabaseError("mark event processed", err)
	}
	return nil
}

// AggregateUnreportedEgress implements the reporter's aggregation query
// (§4.3 step 3).
func (s *Store) AggregateUnreportedEgress(ctx context.Context, upToTimestamp time.Time) ([]EgressAggregate, error) {
	var out []EgressAggregate
	err := s.db.SelectContext(ctx, &out, `
		SELECT
			r.data_set_id AS data_set_id,
			COALESCE(SUM(r.egress_bytes), 0) AS cdn_bytes,
			COALESCE(SUM(CASE WHEN r.cache_miss THEN r.egress_bytes ELSE 0 END), 0) AS cache_miss_bytes
		FROM retrieval_logs r
		JOIN data_sets d ON r.data_set_id = d.id
		WHERE r.timestamp > d.usage_reported_until
		  AND r.timestamp <= $1
		  AND r.egress_bytes IS NOT NULL
		  AND d.pending_usage_report_tx_hash IS NULL
		GROUP BY r.data_set_id
		HAVING COALESCE(SUM(r.egress_bytes), 0) > 0
		    OR COALESCE(SUM(CASE WHEN r.cache_miss THEN r.egress_bytes ELSE 0 END), 0) > 0
	`, upToTimestamp)
	if err != nil {
		return nil, apperrors.NewDatabaseError("aggregate unreported egress", err)
	}
	return out, nil
}

// MarkPendingUsageReportTx batches the pending-hash write across every
// reported data set (§4.3 step 5).
func (s *Store) MarkPendingUsageReportTx(ctx context.Context, dataSetIDs []string, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE data_sets SET pending_usage_report_tx_hash = $1 WHERE id = ANY($2)
	`, txHash, pq.Array(dataSetIDs))
	if err != nil {
		return apperrors.NewDatabaseError("mark pending usage report tx", err)
	}
	return nil
}

// AdvanceUsageReportedWatermark implements the transaction-confirmed
// handler (§4.3 queue consumer, §8): every row whose current pending
// hash equals txHash advances its watermark and clears the pending hash.
func (s *Store) AdvanceUsageReportedWatermark(ctx context.Context, txHash string, upToTimestamp time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_sets
		SET usage_reported_until = $1, pending_usage_report_tx_hash = NULL
		WHERE pending_usage_report_tx_hash = $2
	`, upToTimestamp, txHash)
	if err != nil {
		return 0, apperrors.NewDatabaseError("advance usage reported watermark", err)
	}
	return res.RowsAffected()
}

// RewritePendingTxHash implements the gas-bump replacement's atomic
// rewrite (§4.4 step 5): every row pending on oldHash is rewritten to
// newHash in one statement, so at most one hash is ever pending for a
// given batch at a time (§4.4 ordering guarantee).
func (s *Store) RewritePendingTxHash(ctx context.Context, oldHash, newHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_sets SET pending_usage_report_tx_hash = $1 WHERE pending_usage_report_tx_hash = $2
	`, newHash, oldHash)
	if err != nil {
		return 0, apperrors.NewDatabaseError("rewrite pending tx hash", err)
	}
	return res.RowsAffected()
}

// DataSetWithOldestUnsettledUsage backs the settlement-stats scheduled
// task (§4.2c): the data set whose usage_reported_until is oldest among
// those not yet fully settled.
func (s *Store) DataSetWithOldestUnsettledUsage(ctx context.Context) (*DataSet, error) {
	var ds DataSet
	err := s.db.GetContext(ctx, &ds, `
		SELECT id, service_provider_id, payer_address, with_cdn, with_ipfs_indexing,
		       total_egress_bytes_used, usage_reported_until, cdn_payments_settled_until,
		       pending_usage_report_tx_hash, terminate_service_tx_hash, lockup_unlocks_at
		FROM data_sets
		WHERE cdn_payments_settled_until < usage_reported_until
		ORDER BY usage_reported_until ASC
		LIMIT 1
	`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("select oldest unsettled data set", err)
	}
	return &ds, nil
}

// CreateMonitorWorkflow persists a new Transaction Monitor Workflow
// instance (§4.3 step 6) so it survives a process restart.
func (s *Store) CreateMonitorWorkflow(ctx context.Context, txHash, onSuccessType string, upToTimestamp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_monitor_workflows (transaction_hash, on_success_type, up_to_timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_hash) DO NOTHING
	`, txHash, onSuccessType, upToTimestamp)
	if err != nil {
		return apperrors.NewDatabaseError("create monitor workflow", err)
	}
	return nil
}

// PendingMonitorWorkflows returns every workflow instance still in state
// "pending", used to resume in-flight monitors on startup.
func (s *Store) PendingMonitorWorkflows(ctx context.Context) ([]MonitorWorkflow, error) {
	var out []MonitorWorkflow
	err := s.db.SelectContext(ctx, &out, `
		SELECT transaction_hash, on_success_type, up_to_timestamp, started_at, attempts, state
		FROM tx_monitor_workflows WHERE state = 'pending'
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("select pending monitor workflows", err)
	}
	return out, nil
}

// IncrementMonitorWorkflowAttempts bumps the persisted attempt counter.
// txmonitor.Monitor.Run does not read the counter back, so a resumed
// workflow counts its attempts (and its staleness window) from zero.
func (s *Store) IncrementMonitorWorkflowAttempts(ctx context.Context, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx_monitor_workflows SET attempts = attempts + 1 WHERE transaction_hash = $1
	`, txHash)
	if err != nil {
		return apperrors.NewDatabaseError("increment monitor workflow attempts", err)
	}
	return nil
}

// CompleteMonitorWorkflow marks a workflow terminal, recording its final
// state ("confirmed", "stuck", or "replaced").
func (s *Store) CompleteMonitorWorkflow(ctx context.Context, txHash, state string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx_monitor_workflows SET state = $1 WHERE transaction_hash = $2
	`, state, txHash)
	if err != nil {
		return apperrors.NewDatabaseError("complete monitor workflow", err)
	}
	return nil
}


package store

import "time"

// DataSet mirrors the data_sets table (§3). usage_reported_until and
// cdn_payments_settled_until default to the Unix epoch, never NULL, so
// that "greater than" comparisons in the reporter's aggregation query
// behave correctly for brand-new data sets with no prior reports.
type DataSet struct {
	ID                       string     `db:"id"`
	ServiceProviderID        string     `db:"service_provider_id"`
	PayerAddress             string     `db:"payer_address"`
	WithCDN                  bool       `db:"with_cdn"`
	WithIPFSIndexing         bool       `db:"with_ipfs_indexing"`
	TotalEgressBytesUsed     int64      `db:"total_egress_bytes_used"`
	UsageReportedUntil       time.Time  `db:"usage_reported_until"`
	CDNPaymentsSettledUntil  time.Time  `db:"cdn_payments_settled_until"`
	PendingUsageReportTxHash *string    `db:"pending_usage_report_tx_hash"`
	TerminateServiceTxHash   *string    `db:"terminate_service_tx_hash"`
	LockupUnlocksAt          *time.Time `db:"lockup_unlocks_at"`
}

// DataSetEgressQuotas mirrors data_set_egress_quotas (§3). Quotas are
// stored as arbitrary-precision decimal text so they can go negative and
// never overflow int64 once big-int math is involved upstream.
type DataSetEgressQuotas struct {
	DataSetID          string `db:"data_set_id"`
	CDNEgressQuota     string `db:"cdn_egress_quota"`
	CacheMissEgressQuota string `db:"cache_miss_egress_quota"`
}

// Piece mirrors the pieces table (§3).
type Piece struct {
	ID           string  `db:"id"`
	DataSetID    string  `db:"data_set_id"`
	CID          string  `db:"cid"`
	IPFSRootCID  *string `db:"ipfs_root_cid"`
	X402Price    *string `db:"x402_price"`
	IsDeleted    bool    `db:"is_deleted"`
}

// ServiceProvider mirrors the service_providers table (§3). Updates are
// last-write-wins keyed by block_number.
type ServiceProvider struct {
	ID          string `db:"id"`
	ServiceURL  string `db:"service_url"`
	BlockNumber int64  `db:"block_number"`
	IsDeleted   bool   `db:"is_deleted"`
}

// WalletDetails mirrors wallet_details (§3).
type WalletDetails struct {
	Address        string    `db:"address"`
	IsSanctioned   bool      `db:"is_sanctioned"`
	LastScreenedAt time.Time `db:"last_screened_at"`
}

// RetrievalLog mirrors the append-only retrieval_logs table (§3).
type RetrievalLog struct {
	ID               int64     `db:"id"`
	Timestamp        time.Time `db:"timestamp"`
	ResponseStatus   int       `db:"response_status"`
	EgressBytes      *int64    `db:"egress_bytes"`
	CacheMiss        *bool     `db:"cache_miss"`
	FetchTTFBMs      *int64    `db:"fetch_ttfb_ms"`
	FetchTTLBMs      *int64    `db:"fetch_ttlb_ms"`
	WorkerTTFBMs     *int64    `db:"worker_ttfb_ms"`
	RequestCountryCode *string `db:"request_country_code"`
	DataSetID        *string   `db:"data_set_id"`
	BotName          *string   `db:"bot_name"`
}

// ProcessedEvent mirrors processed_events, the idempotency table for
// at-least-once chain event delivery (§3).
type ProcessedEvent struct {
	EventType string    `db:"event_type"`
	EntityID  string    `db:"entity_id"`
	ProcessedAt time.Time `db:"processed_at"`
}

// RetrievalCandidate is one row of the join described in §4.1 step 3:
// piece -> data_set -> service_provider -> wallet_details -> egress_quotas.
type RetrievalCandidate struct {
	PieceID              string `db:"piece_id"`
	PieceCID             string `db:"piece_cid"`
	PieceDeleted         bool   `db:"piece_is_deleted"`
	DataSetID            string `db:"data_set_id"`
	PayerAddress         string `db:"payer_address"`
	WithCDN              bool   `db:"with_cdn"`
	ServiceProviderID    string `db:"service_provider_id"`
	ServiceURL           string `db:"service_url"`
	ProviderApproved     bool   `db:"provider_approved"`
	IsSanctioned         bool   `db:"is_sanctioned"`
	CDNEgressQuota       string `db:"cdn_egress_quota"`
	CacheMissEgressQuota string `db:"cache_miss_egress_quota"`
}

// EgressAggregate is one row of the reporter's unreported-egress
// aggregation (§4.3 step 3).
type EgressAggregate struct {
	DataSetID      string `db:"data_set_id"`
	CDNBytes       int64  `db:"cdn_bytes"`
	CacheMissBytes int64  `db:"cache_miss_bytes"`
}

// MonitorWorkflow is a durable Transaction Monitor Workflow instance
// (§4.4), persisted so an in-flight poll survives a process restart.
type MonitorWorkflow struct {
	TransactionHash string    `db:"transaction_hash"`
	OnSuccessType   string    `db:"on_success_type"`
	UpToTimestamp   time.Time `db:"up_to_timestamp"`
	StartedAt       time.Time `db:"started_at"`
	Attempts        int       `db:"attempts"`
	State           string    `db:"state"`
}

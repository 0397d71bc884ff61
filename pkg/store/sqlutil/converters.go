// Package sqlutil holds small null-safe converters between Go pointer
// types and database/sql Null* types, for nullable columns such as
// pending_usage_report_tx_hash, ipfs_root_cid, x402_price and
// data_set_id on retrieval_logs. pkg/store itself uses sql.Null* and
// pointer fields directly and does not import this package.
package sqlutil

import "database/sql"

// ToNullString converts a *string into a sql.NullString, treating nil and
// empty string both as NULL.
func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ToNullStringValue converts a string into a sql.NullString, treating the
// empty string as NULL.
func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// FromNullString converts a sql.NullString back into a *string, returning
// nil when the column was NULL.
func FromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// ToNullInt64 converts a *int64 into a sql.NullInt64.
func ToNullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// FromNullInt64 converts a sql.NullInt64 back into a *int64.
func FromNullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// ToNullBool converts a *bool into a sql.NullBool.
func ToNullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// FromNullBool converts a sql.NullBool back into a *bool.
func FromNullBool(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}

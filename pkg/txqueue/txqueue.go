// Package txqueue implements a durable Redis Streams queue carrying the
// transaction-confirmed and transaction-retry messages exchanged between
// the transaction monitor and the usage reporter (§4.3, §4.4, §9).
package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message types carried on the stream.
const (
	TypeTransactionConfirmed = "transaction-confirmed"
	TypeTransactionRetry     = "transaction-retry"
)

// Message is the envelope written to and read from the stream.
type Message struct {
	Type            string   `json:"type"`
	TransactionHash string   `json:"transactionHash"`
	UpToTimestamp   int64    `json:"upToTimestamp"` // unix millis
	DataSetIDs      []string `json:"dataSetIds"`
}

// Queue wraps a single Redis stream plus consumer group.
type Queue struct {
	rdb    *redis.Client
	stream string
	group  string
}

// New returns a Queue bound to stream and group. It does not touch Redis;
// EnsureGroup creates the group.
func New(rdb *redis.Client, stream, group string) *Queue {
	return &Queue{rdb: rdb, stream: stream, group: group}
}

// EnsureGroup creates the consumer group if absent. Safe to call on every
// startup.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("creating consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish appends msg to the stream (§4.4 step 2, §4.3 step 7).
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling txqueue message: %w", err)
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

// Entry pairs a decoded Message with the stream ID needed to ack it.
type Entry struct {
	ID      string
	Message Message
}

// ReadGroup blocks up to block for new entries delivered to consumer
// within group, decoding each payload. Entries with malformed payloads are
// acked immediately and dropped (§7: never poison-loop).
func (q *Queue) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading from %s: %w", q.stream, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				_ = q.Ack(ctx, msg.ID)
				continue
			}
			var decoded Message
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				_ = q.Ack(ctx, msg.ID)
				continue
			}
			entries = append(entries, Entry{ID: msg.ID, Message: decoded})
		}
	}
	return entries, nil
}

// Ack acknowledges a processed entry, removing it from the group's
// pending-entries list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.rdb.XAck(ctx, q.stream, q.group, id).Err()
}

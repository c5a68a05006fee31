// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Event is one pipeline event recorded for crash forensics.
type Event struct {
	// At is the event time.
	At time.Time `json:"at"`

	// Type names the event, e.g. "pack_install_begin",
	// "pack_install_rollback", "safe_mode_trigger".
	Type string `json:"type"`

	// Detail carries small key/value context (pack id, reason, counts).
	Detail map[string]string `json:"detail,omitempty"`
}

// EventJournal is an append-only journal of pipeline events backed by
// BadgerDB.
//
// # Description
//
// Pipelines append begin/commit/rollback events so that a crash mid-apply
// leaves a trail of what was in flight. The journal is strictly
// best-effort context, never a source of truth: the JSON records under the
// state root remain authoritative, and every journal failure is swallowed
// after logging.
//
// Keys are big-endian sequence numbers so iteration order is append order.
//
// # Thread Safety
//
// Safe for concurrent use.
type EventJournal struct {
	db     *badger.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
}

// OpenJournal opens (or creates) the journal at dir. Pass inMemory=true in
// tests to avoid disk I/O.
func OpenJournal(dir string, inMemory bool, logger *slog.Logger) (*EventJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}

	j := &EventJournal{db: db, logger: logger.With("component", "journal")}
	if err := j.initSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *EventJournal) Close() error {
	return j.db.Close()
}

// Append records an event. Failures are logged and swallowed; the journal
// never blocks a pipeline.
func (j *EventJournal) Append(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		j.logger.Warn("journal encode failed", "type", ev.Type, "error", err.Error())
		return
	}

	j.mu.Lock()
	j.seq++
	key := eventKey(j.seq)
	j.mu.Unlock()

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		j.logger.Warn("journal append failed", "type", ev.Type, "error", err.Error())
	}
}

// Recent returns up to n most recent events, newest first.
func (j *EventJournal) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	var events []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the highest possible key, then walk backwards.
		it.Seek(eventKey(^uint64(0)))
		for ; it.Valid() && len(events) < n; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return nil // skip undecodable entries
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}

func (j *EventJournal) initSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(eventKey(^uint64(0)))
		if it.Valid() {
			key := it.Item().Key()
			if len(key) == 10 {
				j.seq = binary.BigEndian.Uint64(key[2:])
			}
		}
		return nil
	})
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 10)
	copy(key, "ev")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

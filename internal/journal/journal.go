// Package journal provides an append-only audit log of fills and level
// state transitions, backed by BadgerDB.
//
// The journal is write-only at runtime and is never consulted on restart:
// the exchange remains the single source of truth and every restart begins
// a fresh epoch. The log exists purely for post-hoc auditing.
package journal

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// Entry is a single audit record.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"` // "fill" | "transition"
	Direction string    `json:"direction"`
	Epoch     int64     `json:"epoch"`
	LevelID   int       `json:"level_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Side      string    `json:"side,omitempty"`
	Price     string    `json:"price,omitempty"`
	Qty       string    `json:"qty,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal is the badger-backed sink. A nil *Journal is a valid no-op sink,
// so callers don't need to branch on whether auditing is enabled.
type Journal struct {
	db  *badger.DB
	seq atomic.Uint64
}

// Open opens (or creates) the journal database at the given path.
func Open(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	// Badger's own logging would interleave with the bot's logs.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db}
	// Resume the sequence counter past any existing entries.
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: []byte("entry/")})
		defer it.Close()
		it.Seek([]byte("entry/\xff\xff\xff\xff\xff\xff\xff\xff"))
		if it.Valid() {
			var last Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &last)
			}); err == nil {
				j.seq.Store(last.Seq)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// RecordTransition appends a level state transition.
func (j *Journal) RecordTransition(direction string, epoch int64, levelID int, from, to string) {
	if j == nil {
		return
	}
	j.append(Entry{
		Kind:      "transition",
		Direction: direction,
		Epoch:     epoch,
		LevelID:   levelID,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	})
}

// RecordFill appends a fill record.
func (j *Journal) RecordFill(direction string, epoch int64, levelID int, side, price, qty string) {
	if j == nil {
		return
	}
	j.append(Entry{
		Kind:      "fill",
		Direction: direction,
		Epoch:     epoch,
		LevelID:   levelID,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Timestamp: time.Now().UTC(),
	})
}

// append writes one entry under a monotonically increasing key.
// Write errors are swallowed: the audit log must never take down trading.
func (j *Journal) append(entry Entry) {
	entry.Seq = j.seq.Add(1)
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := []byte(fmt.Sprintf("entry/%020d", entry.Seq))
	_ = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

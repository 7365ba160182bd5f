// Package intake buffers accepted spot orders in a durable journal and
// flushes them to the store in batches. A crash between accept and flush is
// recovered by replaying the journal at startup.
package intake

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"tradecore/internal/market"
)

const journalPrefix = "order/"

// Journal is the on-disk write-ahead record of accepted orders. Every
// append is synced before the order is acknowledged; entries are deleted
// only after the store confirms the batch.
type Journal struct {
	db      *pebble.DB
	nextSeq uint64
}

// Record is one journaled order with its journal sequence.
type Record struct {
	Seq   uint64
	Order market.Order
}

func OpenJournal(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open order journal: %w", err)
	}
	j := &Journal{db: db}
	j.nextSeq, err = j.maxSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Append journals one order durably and returns its sequence.
func (j *Journal) Append(o market.Order) (uint64, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return 0, fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	j.nextSeq++
	seq := j.nextSeq
	if err := j.db.Set(seqKey(seq), payload, pebble.Sync); err != nil {
		return 0, fmt.Errorf("journal order %s: %w", o.ID, err)
	}
	return seq, nil
}

// Confirm removes entries whose orders the store has durably accepted.
func (j *Journal) Confirm(seqs []uint64) error {
	for _, seq := range seqs {
		if err := j.db.Delete(seqKey(seq), pebble.Sync); err != nil {
			return fmt.Errorf("confirm journal seq %d: %w", seq, err)
		}
	}
	return nil
}

// Pending returns every unconfirmed entry in journal order.
func (j *Journal) Pending() ([]Record, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(journalPrefix),
		UpperBound: []byte(journalPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate order journal: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var seq uint64
		if _, err := fmt.Sscanf(string(iter.Key()), journalPrefix+"%020d", &seq); err != nil {
			return nil, fmt.Errorf("malformed journal key %q: %w", iter.Key(), err)
		}
		var o market.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("decode journal seq %d: %w", seq, err)
		}
		out = append(out, Record{Seq: seq, Order: o})
	}
	return out, iter.Error()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) maxSeq() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(journalPrefix),
		UpperBound: []byte(journalPrefix + "~"),
	})
	if err != nil {
		return 0, fmt.Errorf("scan order journal: %w", err)
	}
	defer iter.Close()

	var max uint64
	if iter.Last() && iter.Valid() {
		if _, err := fmt.Sscanf(string(iter.Key()), journalPrefix+"%020d", &max); err != nil {
			return 0, fmt.Errorf("malformed journal key %q: %w", iter.Key(), err)
		}
	}
	return max, iter.Error()
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(journalPrefix+"%020d", seq))
}

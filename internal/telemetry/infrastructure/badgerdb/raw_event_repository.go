package badgerdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"loomwatch/internal/kvstore"
	telemetry "loomwatch/internal/telemetry/domain"
)

const (
	rawPrefix   = "raw:"
	sequenceKey = "seq:raw"
)

// RawEventRepository keeps the raw event log in Badger.
// Keys are raw:<device><time><seq> so a prefix scan yields timestamp order with ties by insertion.
type RawEventRepository struct {
	db  *badger.DB
	seq *badger.Sequence
}

type rawEventValue struct {
	ID         int64  `json:"id"`
	DeviceID   int64  `json:"device_id"`
	AtUnixNano int64  `json:"ts"`
	Kind       string `json:"kind,omitempty"`
	Value      int64  `json:"value"`
	Annotation string `json:"annotation,omitempty"`
}

// NewRawEventRepository constructs a repository. Close releases the id sequence.
func NewRawEventRepository(db *badger.DB) (*RawEventRepository, error) {
	if db == nil {
		return nil, errors.New("badger raw event repo: nil db")
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 256)
	if err != nil {
		return nil, err
	}
	return &RawEventRepository{db: db, seq: seq}, nil
}

// Close releases leased sequence ids.
func (r *RawEventRepository) Close() error {
	return r.seq.Release()
}

// Append stores the event and assigns its id.
func (r *RawEventRepository) Append(ctx context.Context, event *telemetry.RawEvent) error {
	_ = ctx
	if event == nil || event.DeviceID <= 0 || event.At.IsZero() {
		return errors.New("badger raw event repo: invalid event")
	}
	next, err := r.seq.Next()
	if err != nil {
		return err
	}
	id := int64(next) + 1

	data, err := json.Marshal(rawEventValue{
		ID:         id,
		DeviceID:   event.DeviceID,
		AtUnixNano: event.At.UnixNano(),
		Kind:       string(event.Kind),
		Value:      event.Value,
		Annotation: event.Annotation,
	})
	if err != nil {
		return err
	}
	key := kvstore.Key(rawPrefix, kvstore.ID(event.DeviceID), kvstore.Time(event.At), uint64(id))
	if err := kvstore.Update(r.db, func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return err
	}
	event.ID = id
	return nil
}

// Window returns events with from <= At <= to.
func (r *RawEventRepository) Window(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.RawEvent, error) {
	_ = ctx
	var out []telemetry.RawEvent
	err := r.scan(deviceID, from, func(at time.Time) bool { return !at.After(to) }, func(_ []byte, ev telemetry.RawEvent) {
		out = append(out, ev)
	})
	return out, err
}

// Range returns events with start <= At < end.
func (r *RawEventRepository) Range(ctx context.Context, deviceID int64, start, end time.Time) ([]telemetry.RawEvent, error) {
	_ = ctx
	var out []telemetry.RawEvent
	err := r.scan(deviceID, start, func(at time.Time) bool { return at.Before(end) }, func(_ []byte, ev telemetry.RawEvent) {
		out = append(out, ev)
	})
	return out, err
}

// DeleteRange removes events with start <= At < end and ID <= maxID.
func (r *RawEventRepository) DeleteRange(ctx context.Context, deviceID int64, start, end time.Time, maxID int64) (int64, error) {
	_ = ctx
	var keys [][]byte
	err := r.scan(deviceID, start, func(at time.Time) bool { return at.Before(end) }, func(key []byte, ev telemetry.RawEvent) {
		if ev.ID <= maxID {
			keys = append(keys, key)
		}
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Earliest returns the first event time at or after from.
func (r *RawEventRepository) Earliest(ctx context.Context, deviceID int64, from time.Time) (time.Time, bool, error) {
	_ = ctx
	prefix := kvstore.Key(rawPrefix, kvstore.ID(deviceID))
	seek := prefix
	if !from.IsZero() {
		seek = kvstore.Key(rawPrefix, kvstore.ID(deviceID), kvstore.Time(from))
	}
	var (
		earliest time.Time
		found    bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		encoded, ok := kvstore.Part(it.Item().Key(), rawPrefix, 1)
		if !ok {
			return errors.New("badger raw event repo: malformed key")
		}
		earliest = kvstore.DecodeTime(encoded)
		found = true
		return nil
	})
	return earliest, found, err
}

func (r *RawEventRepository) scan(deviceID int64, from time.Time, keep func(time.Time) bool, visit func(key []byte, ev telemetry.RawEvent)) error {
	if deviceID <= 0 || from.IsZero() {
		return errors.New("badger raw event repo: invalid arguments")
	}
	prefix := kvstore.Key(rawPrefix, kvstore.ID(deviceID))
	seek := kvstore.Key(rawPrefix, kvstore.ID(deviceID), kvstore.Time(from))

	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			encoded, ok := kvstore.Part(item.Key(), rawPrefix, 1)
			if !ok {
				return errors.New("badger raw event repo: malformed key")
			}
			if !keep(kvstore.DecodeTime(encoded)) {
				return nil
			}
			var stored rawEventValue
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &stored)
			}); err != nil {
				return err
			}
			visit(bytes.Clone(item.Key()), telemetry.RawEvent{
				ID:         stored.ID,
				DeviceID:   stored.DeviceID,
				At:         time.Unix(0, stored.AtUnixNano).UTC(),
				Kind:       telemetry.EventKind(stored.Kind),
				Value:      stored.Value,
				Annotation: stored.Annotation,
			})
		}
		return nil
	})
}

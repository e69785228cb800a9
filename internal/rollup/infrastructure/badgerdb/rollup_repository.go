package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"loomwatch/internal/kvstore"
	rollup "loomwatch/internal/rollup/domain"
)

const (
	rollupPrefix = "rollup:"
	markerPrefix = "compaction:"
)

// RollupRepository stores hour buckets under rollup:<device><hour><material>
// and compaction markers under compaction:<device><hour>.
type RollupRepository struct {
	db *badger.DB
}

// NewRollupRepository constructs a repository.
func NewRollupRepository(db *badger.DB) (*RollupRepository, error) {
	if db == nil {
		return nil, errors.New("badger rollup repo: nil db")
	}
	return &RollupRepository{db: db}, nil
}

func bucketKey(k rollup.Key) []byte {
	return kvstore.Key(rollupPrefix, kvstore.ID(k.DeviceID), kvstore.Time(k.Hour), kvstore.ID(k.MaterialID))
}

func markerKey(deviceID int64, hour time.Time) []byte {
	return kvstore.Key(markerPrefix, kvstore.ID(deviceID), kvstore.Time(rollup.TruncateToHour(hour)))
}

// Contribute merges the delta into its bucket.
func (r *RollupRepository) Contribute(ctx context.Context, c rollup.Contribution) error {
	_ = ctx
	if err := c.Key.Validate(); err != nil {
		return err
	}
	return kvstore.Update(r.db, func(txn *badger.Txn) error {
		return contribute(txn, c)
	})
}

// Query scans buckets matching the filter, narrowing to one device when requested.
func (r *RollupRepository) Query(ctx context.Context, f rollup.Filter) ([]rollup.Record, error) {
	_ = ctx
	prefix := []byte(rollupPrefix)
	if f.DeviceID != nil {
		prefix = kvstore.Key(rollupPrefix, kvstore.ID(*f.DeviceID))
	}
	out := make([]rollup.Record, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec rollup.Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			if f.Matches(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].MaterialID < out[j].MaterialID
	})
	return out, nil
}

// CommitCompaction writes the marker and contributions in one transaction.
func (r *RollupRepository) CommitCompaction(ctx context.Context, marker rollup.Marker, contributions []rollup.Contribution) error {
	_ = ctx
	if marker.DeviceID <= 0 || marker.Hour.IsZero() {
		return rollup.ErrInvalidKey
	}
	for _, c := range contributions {
		if err := c.Key.Validate(); err != nil {
			return err
		}
	}
	marker.Hour = rollup.TruncateToHour(marker.Hour)
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	key := markerKey(marker.DeviceID, marker.Hour)

	return kvstore.Update(r.db, func(txn *badger.Txn) error {
		stored, found, err := getMarker(txn, key)
		if err != nil {
			return err
		}
		if found && stored.Covers(marker.MaxEventID) {
			return rollup.ErrAlreadyCompacted
		}
		for _, c := range contributions {
			if err := contribute(txn, c); err != nil {
				return err
			}
		}
		return txn.Set(key, data)
	})
}

// CompactionMarker returns the marker of the device hour.
func (r *RollupRepository) CompactionMarker(ctx context.Context, deviceID int64, hour time.Time) (rollup.Marker, bool, error) {
	_ = ctx
	var (
		marker rollup.Marker
		found  bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		marker, found, err = getMarker(txn, markerKey(deviceID, hour))
		return err
	})
	return marker, found, err
}

func getMarker(txn *badger.Txn, key []byte) (rollup.Marker, bool, error) {
	var marker rollup.Marker
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return marker, false, nil
	}
	if err != nil {
		return marker, false, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &marker)
	})
	return marker, err == nil, err
}

func contribute(txn *badger.Txn, c rollup.Contribution) error {
	key := bucketKey(c.Key)
	item, err := txn.Get(key)
	var rec rollup.Record
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		rec = rollup.NewRecord(c)
	case err != nil:
		return err
	default:
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return err
		}
		if err := rec.Merge(c); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

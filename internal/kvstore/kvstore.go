// Package kvstore opens the embedded Badger database used when no Postgres DSN is configured
// and holds the key encoding shared by the Badger-backed repositories.
package kvstore

import (
	"encoding/binary"
	"errors"
	"log"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 64

// Options selects where the database lives.
type Options struct {
	Dir      string
	InMemory bool
	Logger   *log.Logger
}

// Open opens a Badger database. An in-memory database ignores Dir.
func Open(opts Options) (*badger.DB, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("kvstore: empty dir")
		}
		bopts = badger.DefaultOptions(filepath.Clean(opts.Dir))
		bopts = bopts.WithValueLogFileSize(64 << 20)
	}
	bopts.Logger = nil
	if opts.Logger != nil {
		bopts.Logger = quietLogger{logger: opts.Logger}
	}
	return badger.Open(bopts)
}

// Update runs fn in a read-write transaction, retrying on write conflicts.
func Update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Key builds prefix followed by big-endian parts so byte order matches numeric order.
func Key(prefix string, parts ...uint64) []byte {
	key := make([]byte, len(prefix), len(prefix)+8*len(parts))
	copy(key, prefix)
	for _, part := range parts {
		key = binary.BigEndian.AppendUint64(key, part)
	}
	return key
}

// ID encodes a non-negative id for Key.
func ID(id int64) uint64 {
	return uint64(id)
}

// Time encodes an instant for Key; the sign bit is flipped so pre-epoch times sort first.
func Time(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

// DecodeTime reverses Time.
func DecodeTime(v uint64) time.Time {
	return time.Unix(0, int64(v^(1<<63))).UTC()
}

// Part returns the n-th encoded part following prefix in key.
func Part(key []byte, prefix string, n int) (uint64, bool) {
	offset := len(prefix) + 8*n
	if len(key) < offset+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[offset : offset+8]), true
}

// quietLogger forwards Badger warnings and errors; info and debug chatter is dropped.
type quietLogger struct {
	logger *log.Logger
}

func (l quietLogger) Errorf(format string, args ...interface{}) {
	l.logger.Printf("badger error: "+format, args...)
}

func (l quietLogger) Warningf(format string, args ...interface{}) {
	l.logger.Printf("badger warning: "+format, args...)
}

func (l quietLogger) Infof(string, ...interface{}) {}

func (l quietLogger) Debugf(string, ...interface{}) {}

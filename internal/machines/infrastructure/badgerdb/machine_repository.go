package badgerdb

import (
	"context"
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"loomwatch/internal/kvstore"
	machines "loomwatch/internal/machines/domain"
)

const machinePrefix = "machine:"

// MachineRepository stores machines as JSON values under machine:<id>.
type MachineRepository struct {
	db *badger.DB
}

// NewMachineRepository constructs a repository.
func NewMachineRepository(db *badger.DB) (*MachineRepository, error) {
	if db == nil {
		return nil, errors.New("badger machine repo: nil db")
	}
	return &MachineRepository{db: db}, nil
}

func machineKey(id int64) []byte {
	return kvstore.Key(machinePrefix, kvstore.ID(id))
}

// Get fetches a machine by id.
func (r *MachineRepository) Get(ctx context.Context, id int64) (*machines.Machine, error) {
	_ = ctx
	if id <= 0 {
		return nil, machines.ErrInvalidID
	}
	var out machines.Machine
	err := r.db.View(func(txn *badger.Txn) error {
		return readMachine(txn, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns all machines ordered by id.
func (r *MachineRepository) List(ctx context.Context) ([]machines.Machine, error) {
	_ = ctx
	var out []machines.Machine
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(machinePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m machines.Machine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// Create registers a machine. Registering a known id refreshes its name and address only.
func (r *MachineRepository) Create(ctx context.Context, machine *machines.Machine) error {
	_ = ctx
	if machine == nil {
		return errors.New("badger machine repo: nil machine")
	}
	if machine.ID <= 0 {
		return machines.ErrInvalidID
	}
	return kvstore.Update(r.db, func(txn *badger.Txn) error {
		next := *machine
		var existing machines.Machine
		err := readMachine(txn, machine.ID, &existing)
		switch {
		case err == nil:
			existing.Name = machine.Name
			existing.Address = machine.Address
			next = existing
		case !errors.Is(err, machines.ErrNotFound):
			return err
		}
		return writeMachine(txn, next)
	})
}

// Update applies the patch in a read-modify-write transaction.
func (r *MachineRepository) Update(ctx context.Context, id int64, patch machines.Patch) error {
	_ = ctx
	if patch.IsEmpty() {
		return machines.ErrEmptyPatch
	}
	return kvstore.Update(r.db, func(txn *badger.Txn) error {
		var m machines.Machine
		if err := readMachine(txn, id, &m); err != nil {
			return err
		}
		patch.ApplyTo(&m)
		return writeMachine(txn, m)
	})
}

func readMachine(txn *badger.Txn, id int64, out *machines.Machine) error {
	item, err := txn.Get(machineKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return machines.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func writeMachine(txn *badger.Txn, m machines.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(machineKey(m.ID), data)
}

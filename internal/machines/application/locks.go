package application

import "sync"

// deviceLocks hands out one mutex per device id so read-modify-write cycles
// on the same machine run one at a time while different machines proceed in parallel.
type deviceLocks struct {
	locks sync.Map
}

func (d *deviceLocks) lock(deviceID int64) func() {
	value, _ := d.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

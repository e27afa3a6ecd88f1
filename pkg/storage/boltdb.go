package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/warden/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts     = []byte("hosts")
	bucketVMs       = []byte("vms")
	bucketWorkItems = []byte("work_items")
)

// BoltStore implements Store using BoltDB, the same embedded-KV choice
// the teacher cluster uses for its own replicated state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warden.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHosts, bucketVMs, bucketWorkItems} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes id as a big-endian byte slice so bucket keys sort
// numerically, which ClaimNextWorkItem relies on for FIFO-by-id ordering.
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Host operations

func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHosts).Put([]byte(host.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHosts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("host not found: %s", id)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host)
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(id))
	})
}

// VM operations

func (s *BoltStore) CreateVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(vm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVMs).Put([]byte(vm.ID), data)
	})
}

func (s *BoltStore) GetVM(id string) (*types.VM, error) {
	var vm types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVMs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("vm not found: %s", id)
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	var vms []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) ListVMsByHost(hostID string) ([]*types.VM, error) {
	vms, err := s.ListVMs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.VM
	for _, vm := range vms {
		if vm.HostID == hostID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateVM(vm *types.VM) error {
	return s.CreateVM(vm)
}

func (s *BoltStore) DeleteVM(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete([]byte(id))
	})
}

// WorkItem operations

// CreateWorkItem stores item as given, assigning a monotonic ID if it
// doesn't already have one. It does not apply any business-level reset
// of step/timesTried/timeToTry — that is spec §4.1 persist()'s job and
// lives in pkg/manager's FSM, so this method can also be used verbatim to restore a
// Raft snapshot without clobbering in-flight state.
func (s *BoltStore) CreateWorkItem(item *types.WorkItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		if item.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			item.ID = int64(seq)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(itob(item.ID), data)
	})
}

func (s *BoltStore) GetWorkItem(id int64) (*types.WorkItem, error) {
	var item types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkItems).Get(itob(id))
		if data == nil {
			return fmt.Errorf("work item not found: %d", id)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *BoltStore) ListWorkItems() ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkItems).ForEach(func(k, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) UpdateWorkItem(item *types.WorkItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		if b.Get(itob(item.ID)) == nil {
			return fmt.Errorf("work item not found: %d", item.ID)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(itob(item.ID), data)
	})
}

func (s *BoltStore) DeleteWorkItem(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkItems).Delete(itob(id))
	})
}

// ClaimNextWorkItem implements the take() operation from spec §4.1: order
// by (timeToTry, id) ascending among items with serverID == "" and
// timeToTry <= now, claim the first, and return it. The scan happens
// inside a single write transaction so two concurrent callers against the
// same BoltStore can never claim the same item.
func (s *BoltStore) ClaimNextWorkItem(serverID string, now time.Time) (*types.WorkItem, error) {
	var claimed *types.WorkItem
	nowSec := now.Unix()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)

		var best *types.WorkItem
		if err := b.ForEach(func(k, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.ServerID != "" {
				return nil
			}
			if item.TimeToTry > nowSec {
				return nil
			}
			if best == nil ||
				item.TimeToTry < best.TimeToTry ||
				(item.TimeToTry == best.TimeToTry && item.ID < best.ID) {
				itemCopy := item
				best = &itemCopy
			}
			return nil
		}); err != nil {
			return err
		}

		if best == nil {
			return nil
		}

		taken := now
		best.ServerID = serverID
		best.DateTaken = &taken

		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put(itob(best.ID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})

	return claimed, err
}

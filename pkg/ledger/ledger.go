// Package ledger is the authoritative record of host-level resource
// allocations shared across clusters: PCIe devices (and their slices)
// and subnets. It exists so two clusters built at different times can
// never double-book a device or overlap a subnet. All mutation goes
// through the planner and orchestrator; entries are keyed by device
// address or CIDR.
package ledger

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

var (
	bucketDevices = []byte("devices")
	bucketSubnets = []byte("subnets")
)

// Ledger is a bbolt-backed allocation store. A device reservation is
// transactional: either every requested address is free and all are
// registered, or nothing is.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening allocation ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDevices, bucketSubnets} {
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

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Snapshot is a read-derived copy of current allocations handed to the
// planner.
type Snapshot struct {
	// Devices maps device address (or slice identifier) to its owner.
	Devices map[string]types.DeviceAllocation
	// Subnets maps CIDR to owning cluster.
	Subnets map[string]string
}

// Snapshot returns the current host-wide allocations.
func (l *Ledger) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Devices: map[string]types.DeviceAllocation{},
		Subnets: map[string]string{},
	}
	err := l.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var alloc types.DeviceAllocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			snap.Devices[string(k)] = alloc
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketSubnets).ForEach(func(k, v []byte) error {
			snap.Subnets[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading allocation ledger: %w", err)
	}
	return snap, nil
}

// ReserveDevices registers every allocation, failing the whole batch if
// any address is already owned by a different cluster. Re-reserving an
// address for the same cluster and VM is a no-op, so a resumed start
// does not trip over its own earlier reservations.
func (l *Ledger) ReserveDevices(allocs []types.DeviceAllocation) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		for _, alloc := range allocs {
			if existing := b.Get([]byte(alloc.Address)); existing != nil {
				var cur types.DeviceAllocation
				if err := json.Unmarshal(existing, &cur); err != nil {
					return err
				}
				if cur.Cluster != alloc.Cluster || cur.VM != alloc.VM {
					return errdefs.Exhaustedf("device %s already allocated to cluster %s vm %s",
						alloc.Address, cur.Cluster, cur.VM)
				}
				continue
			}
			data, err := json.Marshal(alloc)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(alloc.Address), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReserveSubnet registers a CIDR for a cluster. A CIDR held by another
// cluster fails; re-reserving for the same cluster is a no-op.
func (l *Ledger) ReserveSubnet(cidr, cluster string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubnets)
		if existing := b.Get([]byte(cidr)); existing != nil {
			if string(existing) != cluster {
				return errdefs.Exhaustedf("subnet %s already allocated to cluster %s", cidr, existing)
			}
			return nil
		}
		return b.Put([]byte(cidr), []byte(cluster))
	})
}

// ReleaseCluster drops every device and subnet entry owned by the
// cluster. Releasing a cluster with no entries is a no-op, so destroy
// stays idempotent.
func (l *Ledger) ReleaseCluster(cluster string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		var dropDevices [][]byte
		if err := devices.ForEach(func(k, v []byte) error {
			var alloc types.DeviceAllocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			if alloc.Cluster == cluster {
				dropDevices = append(dropDevices, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dropDevices {
			if err := devices.Delete(k); err != nil {
				return err
			}
		}

		subnets := tx.Bucket(bucketSubnets)
		var dropSubnets [][]byte
		if err := subnets.ForEach(func(k, v []byte) error {
			if string(v) == cluster {
				dropSubnets = append(dropSubnets, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range dropSubnets {
			if err := subnets.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Owner returns the allocation holding the given device address, if any.
func (l *Ledger) Owner(address string) (*types.DeviceAllocation, error) {
	var alloc *types.DeviceAllocation
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(address))
		if data == nil {
			return nil
		}
		alloc = &types.DeviceAllocation{}
		return json.Unmarshal(data, alloc)
	})
	return alloc, err
}

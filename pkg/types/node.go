package types

import "time"

// Host represents a hypervisor host managed by the cluster. It is the
// failure domain the HA coordinator investigates and fences against.
type Host struct {
	ID            string
	Hostname      string
	Address       string
	ZoneID        string
	PodID         string
	Hypervisor    string // e.g. "kvm", "xenserver", "vmware" — used against hypervisorsWithHostSideHa
	Type          HostType
	Status        HostStatus
	Resources     *NodeResources
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// HostType classifies what a Host is used for. Only a Routing host runs
// guest VMs directly and is a candidate for HA restart work; the other
// types front storage or management traffic and never hold a VM the
// scheduler needs to act on.
type HostType string

const (
	// HostTypeRouting is the zero value: an ordinary hypervisor host
	// running guest VMs.
	HostTypeRouting HostType = ""

	HostTypeStorage          HostType = "storage"
	HostTypeSecondaryStorage HostType = "secondary-storage"
	HostTypeConsoleProxy     HostType = "console-proxy"
)

// IsRouting reports whether h runs guest VMs the scheduler is responsible
// for restarting.
func (h HostType) IsRouting() bool {
	return h == HostTypeRouting
}

// IsStorage reports whether h is a storage-backing host, the distinction
// cancelScheduledMigrations uses to decide whether pending work against it
// is Stop or Migration work.
func (h HostType) IsStorage() bool {
	return h == HostTypeStorage || h == HostTypeSecondaryStorage
}

// HostStatus represents the current state of a host as tracked by the
// cluster's own bookkeeping (distinct from the liveness an Investigator
// reports at HA time, which may disagree with this cached value).
type HostStatus string

const (
	HostStatusUp          HostStatus = "up"
	HostStatusDown        HostStatus = "down"
	HostStatusMaintenance HostStatus = "maintenance"
	HostStatusDisconnected HostStatus = "disconnected"
	HostStatusUnknown     HostStatus = "unknown"
)

// NodeResources tracks resource capacity and allocation for a host.
type NodeResources struct {
	CPUCores    int
	MemoryBytes int64
	DiskBytes   int64

	CPUAllocated    float64
	MemoryAllocated int64
	DiskAllocated   int64
}

// Volume represents a VM's root or data volume on a primary storage pool.
// StorageType identifies the primary store driver, which some stores
// require pre-detaching from every storage node before a VM can attach
// to its volume on a new host (see DataStoreDriver.DetachVolumeFromAllStorageNodes).
type Volume struct {
	ID              string
	VMID            string
	StorageType     StorageType
	IsLocalStorage  bool
	StoragePoolID   string
}

// StorageType identifies a primary storage driver.
type StorageType string

const (
	StorageTypeNFS        StorageType = "nfs"
	StorageTypeLocal      StorageType = "local"
	StorageTypeCLVM       StorageType = "clvm"
	StorageTypeNetworkFS  StorageType = "network-filesystem"
)

// RequiresPreDetach reports whether volumes on this storage type must be
// detached from every storage node before a VM can be restarted elsewhere.
func (s StorageType) RequiresPreDetach() bool {
	switch s {
	case StorageTypeNFS, StorageTypeNetworkFS:
		return true
	default:
		return false
	}
}

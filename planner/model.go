// Package planner turns high level storage requests into ordered operation
// descriptors and builds the workflows that execute them.
//
// A migration moves every backend volume of a virtual volume to a new
// target volume: the target is created, the data migrated, the migration
// committed and the source deleted. Export updates change which initiators
// see which volumes on one array and run as a nested workflow holding the
// (initiator, array) locks.
package planner

import "github.com/davidroman0O/blockflow/locks"

// BackendVolume is a physical volume on an array backing a virtual volume
type BackendVolume struct {
	ID               string `json:"id"`
	Label            string `json:"label"`
	StorageSystem    string `json:"storageSystem"`
	Pool             string `json:"pool"`
	VirtualArray     string `json:"virtualArray"`
	VirtualPool      string `json:"virtualPool"`
	ConsistencyGroup string `json:"consistencyGroup,omitempty"`
	ReplicationGroup string `json:"replicationGroup,omitempty"`
	CapacityBytes    int64  `json:"capacityBytes"`

	// HA marks the backend volume on the high-availability side of a
	// distributed virtual volume
	HA bool `json:"ha,omitempty"`
}

// Volume is a virtual volume presented by a virtualization controller
type Volume struct {
	ID               string          `json:"id"`
	Label            string          `json:"label"`
	StorageSystem    string          `json:"storageSystem"`
	VirtualArray     string          `json:"virtualArray"`
	VirtualPool      string          `json:"virtualPool"`
	ConsistencyGroup string          `json:"consistencyGroup,omitempty"`
	Backend          []BackendVolume `json:"backend"`

	ActiveSnapshots int  `json:"activeSnapshots,omitempty"`
	Mirrors         int  `json:"mirrors,omitempty"`
	Exported        bool `json:"exported,omitempty"`
}

// ConsistencyGroup is a set of volumes migrated as a unit
type ConsistencyGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Local is set when the group has backend consistency groups on the
	// arrays, which requires all migration targets on one array
	Local bool `json:"local,omitempty"`
}

// Label returns the name used in messages
func (cg *ConsistencyGroup) Label() string {
	if cg.Name != "" {
		return cg.Name
	}
	return cg.ID
}

// volumeLockKeys serializes migrations touching the same volumes or group
func volumeLockKeys(volumes []Volume, cg *ConsistencyGroup) []string {
	var keys []string
	for _, v := range volumes {
		keys = append(keys, locks.VolumeKey(v.ID))
		if cg != nil {
			keys = append(keys, locks.ConsistencyGroupKey(cg.ID, v.StorageSystem))
		}
	}
	return locks.Normalize(keys)
}

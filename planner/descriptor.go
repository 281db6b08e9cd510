package planner

import (
	"github.com/davidroman0O/blockflow/operations"
)

// Operation names registered by array handlers
const (
	OpCreateVolume        = "block.createVolume"
	OpDeleteVolume        = "block.deleteVolume"
	OpMigrateVolume       = "migration.migrate"
	OpRollbackMigration   = "migration.rollback"
	OpCommitMigration     = "migration.commit"
	OpDeleteSourceVolume  = "migration.deleteSource"
	OpUpdateVirtualVolume = "virtualVolume.update"

	OpCreateExportMask         = "export.createMask"
	OpDeleteExportMask         = "export.deleteMask"
	OpAddVolumesToMask         = "export.addVolumes"
	OpRemoveVolumesFromMask    = "export.removeVolumes"
	OpAddInitiatorsToMask      = "export.addInitiators"
	OpRemoveInitiatorsFromMask = "export.removeInitiators"

	OpAddToReplicationGroup      = "replication.addVolumes"
	OpRemoveFromReplicationGroup = "replication.removeVolumes"
	OpAddToProtection            = "protection.addVolumes"
	OpRemoveFromProtection       = "protection.removeVolumes"
)

// Argument names shared by planners and handlers
const (
	ArgVolume           = "volume"
	ArgVolumes          = "volumes"
	ArgVirtualVolume    = "virtualVolume"
	ArgSource           = "source"
	ArgLabel            = "label"
	ArgStorageSystem    = "storageSystem"
	ArgPool             = "pool"
	ArgCapacity         = "capacity"
	ArgConsistencyGroup = "consistencyGroup"
	ArgReplicationGroup = "replicationGroup"
	ArgMigration        = "migration"
	ArgVirtualArray     = "virtualArray"
	ArgVirtualPool      = "virtualPool"
	ArgExportGroup      = "exportGroup"
	ArgInitiators       = "initiators"
	ArgGroup            = "group"
	ArgInternal         = "internal"
)

// DescriptorType names the kind of primitive a descriptor stands for
type DescriptorType string

const (
	// BlockData creates a backend volume
	BlockData DescriptorType = "BLOCK_DATA"
	// MigrateVolume copies data from a source backend volume to its target
	MigrateVolume DescriptorType = "MIGRATE_VOLUME"
	// CommitMigration switches the virtual volume to the target
	CommitMigration DescriptorType = "COMMIT_MIGRATION"
	// DeleteSource removes the migrated source backend volume
	DeleteSource DescriptorType = "DELETE_SOURCE"
	// VirtualVolumeUpdate records a new virtual array on the virtual volume
	VirtualVolumeUpdate DescriptorType = "VIRTUAL_VOLUME_UPDATE"
)

// descriptorOrder is the order in which descriptor groups execute
var descriptorOrder = []DescriptorType{BlockData, MigrateVolume, CommitMigration, DeleteSource, VirtualVolumeUpdate}

// Descriptor is one planned primitive with its parameter bag
type Descriptor struct {
	Type             DescriptorType  `json:"type"`
	StorageSystem    string          `json:"storageSystem"`
	VolumeID         string          `json:"volumeId"`
	Pool             string          `json:"pool,omitempty"`
	ConsistencyGroup string          `json:"consistencyGroup,omitempty"`
	MigrationID      string          `json:"migrationId,omitempty"`
	Params           operations.Args `json:"params,omitempty"`
}

type stepTemplate struct {
	group       string
	op          string
	rollback    string
	description string
}

var templates = map[DescriptorType]stepTemplate{
	BlockData:           {group: "createVolumes", op: OpCreateVolume, rollback: OpDeleteVolume, description: "Create backend volume"},
	MigrateVolume:       {group: "migrateVolumes", op: OpMigrateVolume, rollback: OpRollbackMigration, description: "Migrate volume data"},
	CommitMigration:     {group: "commitMigrations", op: OpCommitMigration, description: "Commit migration"},
	DeleteSource:        {group: "deleteSources", op: OpDeleteSourceVolume, description: "Delete migration source volume"},
	VirtualVolumeUpdate: {group: "updateVirtualVolumes", op: OpUpdateVirtualVolume, description: "Update virtual volume"},
}

// args returns the parameter bag with the descriptor's fields folded in
func (d Descriptor) args() operations.Args {
	out := operations.Args{}
	for k, v := range d.Params {
		out[k] = v
	}
	out[ArgVolume] = operations.ID(d.VolumeID)
	if d.StorageSystem != "" {
		out[ArgStorageSystem] = operations.ID(d.StorageSystem)
	}
	if d.Pool != "" {
		out[ArgPool] = operations.ID(d.Pool)
	}
	if d.ConsistencyGroup != "" {
		out[ArgConsistencyGroup] = operations.ID(d.ConsistencyGroup)
	}
	if d.MigrationID != "" {
		out[ArgMigration] = operations.ID(d.MigrationID)
	}
	return out
}

// FilterByType returns the descriptors of type t in order
func FilterByType(descriptors []Descriptor, t DescriptorType) []Descriptor {
	var out []Descriptor
	for _, d := range descriptors {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

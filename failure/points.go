package failure

// Failure points instrumented across blockflow. Keys share an eleven
// character "failure_NNN" prefix which is what a selector matches on.
const (
	AddVolumeToMaskEarly        = "failure_001_early_in_add_volume_to_mask"
	AddVolumeToMaskLate         = "failure_002_late_in_add_volume_to_mask"
	AddInitiatorToMaskLate      = "failure_003_late_in_add_initiator_to_mask"
	WorkflowCompleteFinalStep   = "failure_004_final_step_in_workflow_complete"
	CreateVolumesBeforeDevice   = "failure_005_create_volumes_before_device_create"
	CreateVolumesAfterDevice    = "failure_006_create_volumes_after_device_create"
	RollbackCreateBeforeDelete  = "failure_013_rollback_create_volumes_before_device_delete"
	RollbackCreateAfterDelete   = "failure_014_rollback_create_volumes_after_device_delete"
	InvokeMethodPrefix          = "failure_015_invoke_method_"
	ExportRemoveInitiator       = "failure_016_export_remove_initiator"
	ExportRemoveVolume          = "failure_017_export_remove_volume"
	ExportRollbackBeforeDelete  = "failure_018_export_rollback_create_before_delete"
	ExportRollbackAfterDelete   = "failure_019_export_rollback_create_after_delete"
	ExportGroupDeleteBefore     = "failure_050_export_group_delete_before_delete"
	MigrateVolumeBeforeStart    = "failure_057_migrate_volume_before_start"
	MigrateVolumeAfterStart     = "failure_058_migrate_volume_after_start"
	CommitMigrationBeforeCommit = "failure_059_commit_migration_before_commit"
	RollbackMigrationBefore     = "failure_060_rollback_migration_before_cancel"
	DeleteSourceBeforeDelete    = "failure_061_delete_source_volume_before_delete"
	UpdateVirtualVolumeBefore   = "failure_062_update_virtual_volume_before_update"
	ChildWorkflowBeforeStart    = "failure_063_child_workflow_before_start"
)

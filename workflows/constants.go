package workflow

// Store key prefixes for organizing different entities in the store
const (
	// PrefixWorkflow is used for persisted workflow records
	PrefixWorkflow = "workflow:"

	// RecordDir is the coordinator directory holding workflow records
	RecordDir = "workflows"
)

// Common tags used on workflow records
const (
	// TagChild marks records of nested workflows
	TagChild = "child"

	// TagRoot marks records of top-level workflows
	TagRoot = "root"
)

// Common property keys used in record metadata
const (
	// PropState tracks the workflow state
	PropState = "state"

	// PropName is the workflow name
	PropName = "name"

	// PropParent is the id of the parent workflow
	PropParent = "parent"
)

// Built-in operations used to nest workflows
const (
	// OpRunChild executes a nested workflow from a parent step
	OpRunChild = "workflow.runChild"

	// OpRollbackChild rolls back a nested workflow that completed
	OpRollbackChild = "workflow.rollbackChild"

	// ArgWorkflow names the child workflow id argument
	ArgWorkflow = "workflow"
)

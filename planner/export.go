package planner

import (
	"fmt"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/operations"
	workflow "github.com/davidroman0O/blockflow/workflows"
)

// ExportChange describes how an export group changes on one array
type ExportChange struct {
	ExportGroup       string
	StorageSystem     string
	StorageSystemName string

	// MaskExists is false when the array has no mask for the group yet,
	// in which case the additions create it
	MaskExists bool

	// ExistingInitiators are the initiators already in the mask. They are
	// locked too because volume changes affect what they see.
	ExistingInitiators []string

	AddInitiators    []string
	RemoveInitiators []string
	AddVolumes       []string
	RemoveVolumes    []string
}

// Empty reports whether nothing changes
func (c ExportChange) Empty() bool {
	return len(c.AddInitiators) == 0 && len(c.RemoveInitiators) == 0 &&
		len(c.AddVolumes) == 0 && len(c.RemoveVolumes) == 0
}

func (c ExportChange) arrayName() string {
	if c.StorageSystemName != "" {
		return fmt.Sprintf("%s (%s)", c.StorageSystemName, c.StorageSystem)
	}
	return c.StorageSystem
}

// LockKeys returns one (initiator, array) key per initiator touched
func (c ExportChange) LockKeys() []string {
	var initiators []string
	initiators = append(initiators, c.ExistingInitiators...)
	initiators = append(initiators, c.AddInitiators...)
	initiators = append(initiators, c.RemoveInitiators...)
	return locks.HostStorageLockKeys(initiators, c.StorageSystem)
}

func (c ExportChange) validate() error {
	if c.ExportGroup == "" || c.StorageSystem == "" {
		return errors.Validation("export", "export group and storage system are required")
	}
	removing := make(map[string]bool)
	for _, ini := range c.RemoveInitiators {
		removing[locks.HostStorageKey(ini, c.StorageSystem)] = true
	}
	for _, ini := range c.AddInitiators {
		if removing[locks.HostStorageKey(ini, c.StorageSystem)] {
			return errors.Validation("export", "initiator %s is both added to and removed from export group %s", ini, c.ExportGroup)
		}
	}
	if !c.MaskExists && (len(c.RemoveInitiators) > 0 || len(c.RemoveVolumes) > 0) {
		return errors.Validation("export", "export group %s has no mask on storage system %s to remove from", c.ExportGroup, c.StorageSystem)
	}
	return nil
}

// ExportPlan is a parent workflow wrapping the per-array child workflow
type ExportPlan struct {
	Parent      *workflow.Workflow
	Child       *workflow.Workflow
	ChildStepID string
	LockKeys    []string
}

// PlanExportUpdate builds the export workflows for change. It returns nil
// when nothing changes. Additions are planned before removals so that a
// swap of initiators or volumes never tears the mask down in between.
func (p *Planner) PlanExportUpdate(change ExportChange) (*ExportPlan, error) {
	if change.Empty() {
		return nil, nil
	}
	if err := change.validate(); err != nil {
		return nil, err
	}

	keys := change.LockKeys()
	child := workflow.NewWorkflow(ExportChildWorkflow,
		workflow.WithID(workflow.CreateStepID()),
		workflow.WithLockKeys(keys...))

	base := operations.Args{
		ArgExportGroup:   operations.ID(change.ExportGroup),
		ArgStorageSystem: operations.ID(change.StorageSystem),
	}
	with := func(extra operations.Args) operations.Args {
		out := operations.Args{}
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	waitFor := ""
	add := func(description string, op operations.Descriptor, rollback *operations.Descriptor) error {
		id, err := child.CreateStep("", fmt.Sprintf(description, change.arrayName()), waitFor,
			change.StorageSystem, "StorageSystem", op, rollback, "")
		if err != nil {
			return err
		}
		step, _ := child.Step(id)
		waitFor = step.GroupID
		return nil
	}

	if !change.MaskExists {
		args := with(operations.Args{
			ArgInitiators: operations.Strings(change.AddInitiators...),
			ArgVolumes:    operations.IDs(change.AddVolumes...),
		})
		if err := add("Creating export on storage array %s",
			operations.Op(OpCreateExportMask, args), operations.Op(OpDeleteExportMask, args).Ptr()); err != nil {
			return nil, err
		}
	} else {
		if len(change.AddVolumes) > 0 {
			args := with(operations.Args{ArgVolumes: operations.IDs(change.AddVolumes...)})
			if err := add("Adding volumes to export on storage array %s",
				operations.Op(OpAddVolumesToMask, args), operations.Op(OpRemoveVolumesFromMask, args).Ptr()); err != nil {
				return nil, err
			}
		}
		if len(change.AddInitiators) > 0 {
			args := with(operations.Args{ArgInitiators: operations.Strings(change.AddInitiators...)})
			if err := add("Adding initiators to export on storage array %s",
				operations.Op(OpAddInitiatorsToMask, args), operations.Op(operations.NullRollback, nil).Ptr()); err != nil {
				return nil, err
			}
		}
		if len(change.RemoveVolumes) > 0 {
			args := with(operations.Args{ArgVolumes: operations.IDs(change.RemoveVolumes...)})
			if err := add("Removing volumes from export on storage array %s",
				operations.Op(OpRemoveVolumesFromMask, args), nil); err != nil {
				return nil, err
			}
		}
		if len(change.RemoveInitiators) > 0 {
			args := with(operations.Args{ArgInitiators: operations.Strings(change.RemoveInitiators...)})
			if err := add("Removing initiators from export on storage array %s",
				operations.Op(OpRemoveInitiatorsFromMask, args), nil); err != nil {
				return nil, err
			}
		}
	}

	parent := workflow.NewWorkflow(ExportUpdateWorkflow)
	stepID, err := parent.CreateChildStep(ExportChildWorkflow,
		fmt.Sprintf("Updating export group %s on storage array %s", change.ExportGroup, change.arrayName()),
		"", child, "")
	if err != nil {
		return nil, err
	}

	p.logger.Info("Planned export update of %s on %s: %d steps, locks %v",
		change.ExportGroup, change.StorageSystem, len(child.Steps), keys)
	return &ExportPlan{Parent: parent, Child: child, ChildStepID: stepID, LockKeys: keys}, nil
}

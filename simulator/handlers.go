package simulator

import (
	"context"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/operations"
	"github.com/davidroman0O/blockflow/planner"
)

// Register adds a handler for every planner operation to reg
func (a *Array) Register(reg *operations.Registry) error {
	handlers := map[string]operations.Handler{
		planner.OpCreateVolume:        a.createVolume,
		planner.OpDeleteVolume:        a.deleteVolume,
		planner.OpMigrateVolume:       a.migrateVolume,
		planner.OpRollbackMigration:   a.rollbackMigration,
		planner.OpCommitMigration:     a.commitMigration,
		planner.OpDeleteSourceVolume:  a.deleteSourceVolume,
		planner.OpUpdateVirtualVolume: a.updateVirtualVolume,

		planner.OpCreateExportMask:         a.createMask,
		planner.OpDeleteExportMask:         a.deleteMask,
		planner.OpAddVolumesToMask:         a.addVolumesToMask,
		planner.OpRemoveVolumesFromMask:    a.removeVolumesFromMask,
		planner.OpAddInitiatorsToMask:      a.addInitiatorsToMask,
		planner.OpRemoveInitiatorsFromMask: a.removeInitiatorsFromMask,

		planner.OpAddToReplicationGroup:      a.addToGroup(planner.ArgReplicationGroup),
		planner.OpRemoveFromReplicationGroup: a.removeFromGroup(planner.ArgReplicationGroup),
		planner.OpAddToProtection:            a.addToGroup(planner.ArgGroup),
		planner.OpRemoveFromProtection:       a.removeFromGroup(planner.ArgGroup),
	}
	for name, h := range handlers {
		if err := reg.Register(name, a.traced(name, h)); err != nil {
			return err
		}
	}
	return nil
}

// traced records the call before running h
func (a *Array) traced(name string, h operations.Handler) operations.Handler {
	return func(ctx context.Context, call operations.Call) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := name
		if call.Rollback {
			entry = "rollback:" + name
		}
		a.mu.Lock()
		a.calls = append(a.calls, entry)
		a.mu.Unlock()
		a.logger.Debug("Array %s: %s", entry, call.Args.Describe())
		return h(ctx, call)
	}
}

func (a *Array) createVolume(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgVolume)
	if err != nil {
		return err
	}
	label, err := call.Args.String(planner.ArgLabel)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.CreateVolumesBeforeDevice); err != nil {
		return err
	}

	v := Volume{
		ID:               id,
		Label:            label,
		StorageSystem:    call.Args.Optional(planner.ArgStorageSystem),
		Pool:             call.Args.Optional(planner.ArgPool),
		VirtualArray:     call.Args.Optional(planner.ArgVirtualArray),
		VirtualPool:      call.Args.Optional(planner.ArgVirtualPool),
		ConsistencyGroup: call.Args.Optional(planner.ArgConsistencyGroup),
		ReplicationGroup: call.Args.Optional(planner.ArgReplicationGroup),
	}
	v.CapacityBytes, _ = call.Args.Int(planner.ArgCapacity)
	v.Internal, _ = call.Args.Bool(planner.ArgInternal)

	a.mu.Lock()
	if _, exists := a.volumes[id]; exists {
		a.mu.Unlock()
		return errors.Newf(errors.ErrStepExecution, "volume %s already exists", id)
	}
	a.volumes[id] = v
	a.mu.Unlock()
	a.logger.Info("Created volume %s (%s) on %s", id, label, v.StorageSystem)

	return a.injector.Invoke(failure.CreateVolumesAfterDevice)
}

func (a *Array) deleteVolume(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgVolume)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.RollbackCreateBeforeDelete); err != nil {
		return err
	}
	a.mu.Lock()
	if vv, ok := a.backingLocked(id); ok {
		a.mu.Unlock()
		return errors.Newf(errors.ErrStepExecution, "volume %s still backs virtual volume %s", id, vv)
	}
	delete(a.volumes, id)
	a.mu.Unlock()
	return a.injector.Invoke(failure.RollbackCreateAfterDelete)
}

// backingLocked returns the virtual volume id backs, if any
func (a *Array) backingLocked(id string) (string, bool) {
	for _, vv := range a.virtual {
		for _, b := range vv.Backend {
			if b == id {
				return vv.ID, true
			}
		}
	}
	return "", false
}

// migrateVolume starts copying source to the target volume. With a
// completer configured the copy finishes in the background and the step
// completes through it.
func (a *Array) migrateVolume(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgMigration)
	if err != nil {
		return err
	}
	target, err := call.Args.ID(planner.ArgVolume)
	if err != nil {
		return err
	}
	source, err := call.Args.ID(planner.ArgSource)
	if err != nil {
		return err
	}
	vvol, err := call.Args.ID(planner.ArgVirtualVolume)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.MigrateVolumeBeforeStart); err != nil {
		return err
	}

	a.mu.Lock()
	_, hasSource := a.volumes[source]
	_, hasTarget := a.volumes[target]
	if !hasSource || !hasTarget {
		a.mu.Unlock()
		return errors.Newf(errors.ErrNotFound, "migration %s needs volumes %s and %s", id, source, target)
	}
	a.migrations[id] = Migration{ID: id, VirtualVolume: vvol, Source: source, Target: target, State: MigrationStarted}
	a.mu.Unlock()

	if err := a.injector.Invoke(failure.MigrateVolumeAfterStart); err != nil {
		return err
	}
	if a.completer == nil {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.completer.CompleteStep(call.WorkflowID, call.StepID, nil); err != nil {
			a.logger.Warn("Migration %s completion not delivered: %v", id, err)
		}
	}()
	return operations.ErrDeferred
}

func (a *Array) rollbackMigration(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgMigration)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.RollbackMigrationBefore); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.migrations[id]
	if !ok {
		return nil
	}
	if m.State == MigrationCommitted {
		return errors.Newf(errors.ErrRollback, "migration %s is committed and cannot be cancelled", id)
	}
	m.State = MigrationCancelled
	a.migrations[id] = m
	return nil
}

// commitMigration switches the virtual volume from source to target
func (a *Array) commitMigration(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgMigration)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.CommitMigrationBeforeCommit); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.migrations[id]
	if !ok || m.State != MigrationStarted {
		return errors.Newf(errors.ErrStepExecution, "migration %s is not in progress", id)
	}
	m.State = MigrationCommitted
	a.migrations[id] = m

	if vv, ok := a.virtual[m.VirtualVolume]; ok {
		for i, b := range vv.Backend {
			if b == m.Source {
				vv.Backend[i] = m.Target
			}
		}
		a.virtual[m.VirtualVolume] = vv
	}
	return nil
}

func (a *Array) deleteSourceVolume(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgVolume)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.DeleteSourceBeforeDelete); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if vv, ok := a.backingLocked(id); ok {
		return errors.Newf(errors.ErrStepExecution, "volume %s still backs virtual volume %s", id, vv)
	}
	delete(a.volumes, id)
	return nil
}

func (a *Array) updateVirtualVolume(ctx context.Context, call operations.Call) error {
	id, err := call.Args.ID(planner.ArgVolume)
	if err != nil {
		return err
	}
	varray, err := call.Args.ID(planner.ArgVirtualArray)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.UpdateVirtualVolumeBefore); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	vv, ok := a.virtual[id]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "virtual volume %s not found", id)
	}
	vv.VirtualArray = varray
	a.virtual[id] = vv
	return nil
}

// maskArgs reads the export group and array every export call carries
func maskArgs(call operations.Call) (string, string, error) {
	eg, err := call.Args.ID(planner.ArgExportGroup)
	if err != nil {
		return "", "", err
	}
	system, err := call.Args.ID(planner.ArgStorageSystem)
	if err != nil {
		return "", "", err
	}
	return eg, system, nil
}

func optionalList(args operations.Args, name string, read func(string) ([]string, error)) ([]string, error) {
	if _, ok := args[name]; !ok {
		return nil, nil
	}
	return read(name)
}

func (a *Array) createMask(ctx context.Context, call operations.Call) error {
	eg, system, err := maskArgs(call)
	if err != nil {
		return err
	}
	initiators, err := optionalList(call.Args, planner.ArgInitiators, call.Args.Strings)
	if err != nil {
		return err
	}
	volumes, err := optionalList(call.Args, planner.ArgVolumes, call.Args.IDs)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.AddVolumeToMaskEarly); err != nil {
		return err
	}
	a.mu.Lock()
	if a.maskLocked(eg, system, false) != nil {
		a.mu.Unlock()
		return errors.Newf(errors.ErrStepExecution, "export group %s already has a mask on %s", eg, system)
	}
	m := a.maskLocked(eg, system, true)
	for _, ini := range initiators {
		m.initiators[ini] = struct{}{}
	}
	for _, v := range volumes {
		m.volumes[v] = struct{}{}
	}
	a.mu.Unlock()
	return a.injector.Invoke(failure.AddVolumeToMaskLate)
}

func (a *Array) deleteMask(ctx context.Context, call operations.Call) error {
	eg, system, err := maskArgs(call)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.ExportRollbackBeforeDelete); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.masks, maskKey(eg, system))
	a.mu.Unlock()
	return a.injector.Invoke(failure.ExportRollbackAfterDelete)
}

// updateMask applies fn to the existing mask of the call
func (a *Array) updateMask(call operations.Call, fn func(m *mask)) error {
	eg, system, err := maskArgs(call)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.maskLocked(eg, system, false)
	if m == nil {
		return errors.Newf(errors.ErrNotFound, "export group %s has no mask on %s", eg, system)
	}
	fn(m)
	return nil
}

func (a *Array) addVolumesToMask(ctx context.Context, call operations.Call) error {
	volumes, err := call.Args.IDs(planner.ArgVolumes)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.AddVolumeToMaskEarly); err != nil {
		return err
	}
	if err := a.updateMask(call, func(m *mask) {
		for _, v := range volumes {
			m.volumes[v] = struct{}{}
		}
	}); err != nil {
		return err
	}
	return a.injector.Invoke(failure.AddVolumeToMaskLate)
}

func (a *Array) removeVolumesFromMask(ctx context.Context, call operations.Call) error {
	volumes, err := call.Args.IDs(planner.ArgVolumes)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.ExportRemoveVolume); err != nil {
		return err
	}
	return a.updateMask(call, func(m *mask) {
		for _, v := range volumes {
			delete(m.volumes, v)
		}
	})
}

func (a *Array) addInitiatorsToMask(ctx context.Context, call operations.Call) error {
	initiators, err := call.Args.Strings(planner.ArgInitiators)
	if err != nil {
		return err
	}
	if err := a.updateMask(call, func(m *mask) {
		for _, ini := range initiators {
			m.initiators[ini] = struct{}{}
		}
	}); err != nil {
		return err
	}
	return a.injector.Invoke(failure.AddInitiatorToMaskLate)
}

func (a *Array) removeInitiatorsFromMask(ctx context.Context, call operations.Call) error {
	initiators, err := call.Args.Strings(planner.ArgInitiators)
	if err != nil {
		return err
	}
	if err := a.injector.Invoke(failure.ExportRemoveInitiator); err != nil {
		return err
	}
	return a.updateMask(call, func(m *mask) {
		for _, ini := range initiators {
			delete(m.initiators, ini)
		}
	})
}

func (a *Array) addToGroup(groupArg string) operations.Handler {
	return func(ctx context.Context, call operations.Call) error {
		group, volumes, err := groupArgs(call, groupArg)
		if err != nil {
			return err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		members, ok := a.groups[group]
		if !ok {
			members = set{}
			a.groups[group] = members
		}
		for _, v := range volumes {
			members[v] = struct{}{}
		}
		return nil
	}
}

func (a *Array) removeFromGroup(groupArg string) operations.Handler {
	return func(ctx context.Context, call operations.Call) error {
		group, volumes, err := groupArgs(call, groupArg)
		if err != nil {
			return err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, v := range volumes {
			delete(a.groups[group], v)
		}
		return nil
	}
}

func groupArgs(call operations.Call, groupArg string) (string, []string, error) {
	group, err := call.Args.ID(groupArg)
	if err != nil {
		return "", nil, err
	}
	volumes, err := call.Args.IDs(planner.ArgVolumes)
	if err != nil {
		return "", nil, err
	}
	return group, volumes, nil
}

package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/operations"
	workflow "github.com/davidroman0O/blockflow/workflows"
)

// Role is the purpose of a volume group
type Role int

const (
	RoleCopy Role = iota + 1
	RoleMobility
	RoleDR
)

var roleNames = map[Role]string{
	RoleCopy:     "COPY",
	RoleMobility: "MOBILITY",
	RoleDR:       "DR",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole parses COPY, MOBILITY or DR, in any case
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return r, nil
		}
	}
	return 0, errors.Validation("volumeGroup", "unknown volume group role %q", s)
}

// RoleCases holds one branch per role
type RoleCases[T any] struct {
	Copy     func() (T, error)
	Mobility func() (T, error)
	DR       func() (T, error)
}

// MatchRole runs the branch of c matching r
func MatchRole[T any](r Role, c RoleCases[T]) (T, error) {
	var zero T
	var branch func() (T, error)
	switch r {
	case RoleCopy:
		branch = c.Copy
	case RoleMobility:
		branch = c.Mobility
	case RoleDR:
		branch = c.DR
	default:
		return zero, errors.Validation("volumeGroup", "unknown volume group role %s", r)
	}
	if branch == nil {
		return zero, errors.Validation("volumeGroup", "role %s is not supported here", r)
	}
	return branch()
}

// VolumeGroupRequest changes the membership of a volume group
type VolumeGroupRequest struct {
	Role  Role
	Group string

	// ReplicationGroup names the array replication group of a COPY group
	ReplicationGroup string

	AddVolumes    []Volume
	RemoveVolumes []Volume

	// Migration is planned for MOBILITY groups
	Migration MigrationRequest
}

// PlanVolumeGroupUpdate builds the workflow for req according to its role
func (p *Planner) PlanVolumeGroupUpdate(ctx context.Context, req VolumeGroupRequest) (*workflow.Workflow, error) {
	return MatchRole(req.Role, RoleCases[*workflow.Workflow]{
		Mobility: func() (*workflow.Workflow, error) {
			plan, err := p.PlanMigration(ctx, req.Migration)
			if err != nil {
				return nil, err
			}
			if len(plan.Rejected) > 0 {
				return nil, plan.Rejected[0].Err
			}
			return plan.Workflow()
		},
		Copy: func() (*workflow.Workflow, error) {
			if req.ReplicationGroup == "" {
				return nil, errors.Validation("volumeGroup", "volume group %s has no replication group", req.Group)
			}
			return p.membershipWorkflow(req, ArgReplicationGroup, req.ReplicationGroup,
				OpAddToReplicationGroup, OpRemoveFromReplicationGroup)
		},
		DR: func() (*workflow.Workflow, error) {
			return p.membershipWorkflow(req, ArgGroup, req.Group,
				OpAddToProtection, OpRemoveFromProtection)
		},
	})
}

// membershipWorkflow adds then removes volumes, one step per storage system
func (p *Planner) membershipWorkflow(req VolumeGroupRequest, groupArg, group, addOp, removeOp string) (*workflow.Workflow, error) {
	if len(req.AddVolumes) == 0 && len(req.RemoveVolumes) == 0 {
		return nil, errors.Validation("volumeGroup", "no volumes to add to or remove from volume group %s", req.Group)
	}

	all := append(append([]Volume(nil), req.AddVolumes...), req.RemoveVolumes...)
	w := workflow.NewWorkflow(VolumeGroupUpdateWorkflow, workflow.WithLockKeys(volumeLockKeys(all, nil)...))

	waitFor := ""
	phase := func(volumes []Volume, op, rollback, verb string) error {
		bySystem := make(map[string][]string)
		for _, v := range volumes {
			bySystem[v.StorageSystem] = append(bySystem[v.StorageSystem], v.ID)
		}
		systems := make([]string, 0, len(bySystem))
		for s := range bySystem {
			systems = append(systems, s)
		}
		sort.Strings(systems)

		for _, system := range systems {
			args := operations.Args{
				groupArg:         operations.ID(group),
				ArgStorageSystem: operations.ID(system),
				ArgVolumes:       operations.IDs(bySystem[system]...),
			}
			var rb *operations.Descriptor
			if rollback != "" {
				rb = operations.Op(rollback, args).Ptr()
			}
			desc := fmt.Sprintf("%s %d volumes in %s group %s on storage system %s", verb, len(bySystem[system]), req.Role, group, system)
			if _, err := w.CreateStep(op, desc, waitFor, system, "StorageSystem", operations.Op(op, args), rb, ""); err != nil {
				return err
			}
		}
		if len(systems) > 0 {
			waitFor = op
		}
		return nil
	}

	if err := phase(req.AddVolumes, addOp, removeOp, "Adding"); err != nil {
		return nil, err
	}
	if err := phase(req.RemoveVolumes, removeOp, "", "Removing"); err != nil {
		return nil, err
	}
	p.logger.Info("Planned %s group %s update: %d steps", req.Role, req.Group, len(w.Steps))
	return w, nil
}

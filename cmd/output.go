package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/blockflow"
	"github.com/davidroman0O/blockflow/planner"
	"github.com/davidroman0O/blockflow/simulator"
)

// seedArray adds the pools the commands migrate to and n volumes vol-1..n,
// members of cg when it is not empty
func seedArray(arr *simulator.Array, n int, cg string) []planner.Volume {
	arr.AddPool(simulator.Pool{StorageSystem: "array-2", Pool: "pool-2", VirtualArray: "varray-1", VirtualPool: "vpool-2", FreeBytes: 1 << 42})
	arr.AddPool(simulator.Pool{StorageSystem: "array-3", Pool: "pool-3", VirtualArray: "varray-2", VirtualPool: "vpool-1", FreeBytes: 1 << 42})

	volumes := make([]planner.Volume, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("vol-%d", i)
		v := planner.Volume{
			ID:               id,
			Label:            id,
			StorageSystem:    "vplex-1",
			VirtualArray:     "varray-1",
			VirtualPool:      "vpool-1",
			ConsistencyGroup: cg,
			Backend: []planner.BackendVolume{{
				ID:               id + "-bv",
				Label:            id + "_bv",
				StorageSystem:    "array-1",
				Pool:             "pool-1",
				VirtualArray:     "varray-1",
				VirtualPool:      "vpool-1",
				ConsistencyGroup: cg,
				CapacityBytes:    1 << 30,
			}},
		}
		arr.AddVolume(v)
		volumes = append(volumes, v)
	}
	return volumes
}

func printSubmission(w io.Writer, sub *blockflow.Submission) {
	fmt.Fprintf(w, "Operation: %s\n", sub.OpID)
	if sub.WorkflowID != "" {
		fmt.Fprintf(w, "Workflow:  %s (%s in %s)\n", sub.WorkflowID, sub.Result.State, sub.Result.Duration)
		if cause := sub.Result.Cause(); cause != nil {
			fmt.Fprintf(w, "Cause:     %v\n", cause)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tID\tSTATUS\tERROR")
	for _, t := range sub.Tasks {
		msg := ""
		if t.Error != nil {
			msg = t.Error.Code + ": " + t.Error.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ResourceType, t.ResourceID, t.Status, msg)
	}
	tw.Flush()
}

// encode writes v as json or yaml
func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// exitError makes the command fail without printing usage once the result
// was reported
func exitError(sub *blockflow.Submission) error {
	if sub.OK() {
		return nil
	}
	if cause := sub.Result.Cause(); cause != nil {
		return cause
	}
	return fmt.Errorf("operation %s failed", sub.OpID)
}

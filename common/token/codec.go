package token

import "fmt"

// Token ids carry both the workflow instance and the fork branch in a
// single integer. The instance is the nearest multiple of 10000 below the
// id; a fork of fan-out k stamps k*100+i onto each child so that a join
// can recover (joinCount, branch) from the id alone.
const (
	instanceSpan = 10000
	branchSpan   = 100

	// MinFanOut and MaxFanOut bound the fork fan-out the id arithmetic
	// can express. Deploys reject joins with more than MaxFanOut arcs.
	MinFanOut = 2
	MaxFanOut = 99
)

// WorkflowBase returns the largest multiple of 10000 not greater than id.
// All branches of one workflow instance share the same base.
func WorkflowBase(id int64) int64 {
	return id - id%instanceSpan
}

// EncodeChild derives the child id for branch i of a fan-out fanOut fork
// at parent. Branch numbers are 1-based.
func EncodeChild(parent int64, fanOut, branch int) (int64, error) {
	if fanOut < MinFanOut || fanOut > MaxFanOut {
		return 0, fmt.Errorf("fan-out %d outside [%d,%d]", fanOut, MinFanOut, MaxFanOut)
	}
	if branch < 1 || branch > fanOut {
		return 0, fmt.Errorf("branch %d outside [1,%d]", branch, fanOut)
	}
	return parent + int64(fanOut)*branchSpan + int64(branch), nil
}

// Children enumerates all child ids for a fork of fan-out fanOut at parent,
// in branch order.
func Children(parent int64, fanOut int) ([]int64, error) {
	ids := make([]int64, 0, fanOut)
	for i := 1; i <= fanOut; i++ {
		id, err := EncodeChild(parent, fanOut, i)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode splits id into its workflow base, join count and branch number.
// encoded reports whether the id actually carries fork identity; ids whose
// remainder does not satisfy joinCount >= 2 and 1 <= branch <= joinCount
// are plain instance ids.
func Decode(id int64) (base int64, joinCount, branch int, encoded bool) {
	base = WorkflowBase(id)
	rem := id % instanceSpan
	joinCount = int(rem / branchSpan)
	branch = int(rem % branchSpan)
	encoded = joinCount >= MinFanOut && branch >= 1 && branch <= joinCount
	return base, joinCount, branch, encoded
}

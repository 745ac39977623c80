package container

import "fmt"

// Label keys attached to every task and sidecar container the node manages,
// used to find orphans and to detect duplicate task starts across restarts.
const (
	LabelResultID = "vantage6.result-id"
	LabelTaskID   = "vantage6.task-id"
	LabelNode     = "vantage6.node"
)

// TaskContainerName returns the deterministic container name for a task's
// algorithm container, used both to create it and to look it up again.
func TaskContainerName(nodeName string, resultID int) string {
	return fmt.Sprintf("vantage6-%s-result-%d", nodeName, resultID)
}

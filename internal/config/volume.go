package config

import "fmt"

// ScratchVolumeName returns the Docker volume name a task's scratch
// directory is mounted through, scoped by node and result so concurrent
// tasks never collide.
func ScratchVolumeName(nodeName string, resultID int) string {
	return fmt.Sprintf("vantage6-%s-result-%d-tmp", nodeName, resultID)
}

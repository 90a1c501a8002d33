// Package capacity measures what this host can offer to the node
// scheduler.
package capacity

import (
	"runtime"

	"github.com/signalsfoundry/mesh-emulator/scheduler"
)

// cpuUnit is the score one logical CPU contributes.
const cpuUnit = 1000

// Probe reports this host's CPU score and free memory in bytes.
func Probe() (scheduler.Score, error) {
	free, err := freeMemory()
	if err != nil {
		return scheduler.Score{}, err
	}
	return scheduler.Score{CPU: float64(runtime.NumCPU() * cpuUnit), FreeMemory: free}, nil
}

package capacity

import (
	"runtime"
	"testing"
)

func TestProbe(t *testing.T) {
	s, err := Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.CPU != float64(runtime.NumCPU()*cpuUnit) {
		t.Fatalf("CPU = %v", s.CPU)
	}
	if runtime.GOOS == "linux" && s.FreeMemory == 0 {
		t.Fatalf("free memory should be reported on linux")
	}
}

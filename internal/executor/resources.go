package executor

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// resourceSample is a point-in-time snapshot of the server process. The
// executor records deltas around each job as an approximation of the job's
// own footprint.
type resourceSample struct {
	RSSMB float64
	CPUMS float64
}

// newProcessSampler returns a sampler bound to the current process.
func newProcessSampler() (func() (resourceSample, error), error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process handle: %w", err)
	}
	return func() (resourceSample, error) {
		var s resourceSample
		mi, err := proc.MemoryInfo()
		if err != nil {
			return s, fmt.Errorf("reading memory info: %w", err)
		}
		s.RSSMB = float64(mi.RSS) / (1024 * 1024)
		times, err := proc.Times()
		if err != nil {
			return s, fmt.Errorf("reading cpu times: %w", err)
		}
		s.CPUMS = (times.User + times.System) * 1000
		return s, nil
	}, nil
}

package probe

import "runtime"

// ResourcesBlock is the process footprint reported by heartbeat. File
// descriptor fields are -1 where the platform cannot report them.
type ResourcesBlock struct {
	HeapBytes   uint64 `json:"heap_bytes"`
	SysBytes    uint64 `json:"sys_bytes"`
	GCCycles    uint32 `json:"gc_cycles"`
	Goroutines  int    `json:"goroutines"`
	GOMAXPROCS  int    `json:"gomaxprocs"`
	OpenFDs     int    `json:"open_fds"`
	FDSoftLimit int    `json:"fd_soft_limit"`
}

func collectResources() ResourcesBlock {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	open, limit := fdUsage()
	return ResourcesBlock{
		HeapBytes:   ms.HeapInuse,
		SysBytes:    ms.Sys,
		GCCycles:    ms.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		GOMAXPROCS:  runtime.GOMAXPROCS(0),
		OpenFDs:     open,
		FDSoftLimit: limit,
	}
}

//go:build linux

package probe

import (
	"os"
	"syscall"
)

// fdUsage returns the number of open descriptors and the RLIMIT_NOFILE soft
// limit. Every outbound fetch holds one descriptor for its duration.
func fdUsage() (open, limit int) {
	open, limit = -1, -1
	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		open = len(entries)
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil && rl.Cur <= uint64(^uint(0)>>1) {
		limit = int(rl.Cur)
	}
	return open, limit
}

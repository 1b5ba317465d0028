package worker

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// diskFreeBytes reports free bytes on the volume containing path.
func diskFreeBytes(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}

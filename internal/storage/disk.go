package storage

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsagePercent reports the used percentage of the filesystem holding path.
func DiskUsagePercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.UsedPercent, nil
}

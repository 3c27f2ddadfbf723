package utils

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

// DiskUsage free space reading for one filesystem
type DiskUsage struct {
	// TotalBytes filesystem capacity
	TotalBytes uint64 `json:"total_bytes"`
	// FreeBytes bytes available to unprivileged writers
	FreeBytes uint64 `json:"free_bytes"`
}

// FreePercent free space as a percentage of capacity
func (u DiskUsage) FreePercent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.FreeBytes) / float64(u.TotalBytes) * 100
}

// DiskMonitor reports free space for the recording filesystem
type DiskMonitor interface {
	/*
		Usage read the current filesystem usage

			@param ctxt context.Context - execution context
			@returns current usage
	*/
	Usage(ctxt context.Context) (DiskUsage, error)

	/*
		BelowWatermark whether free space is below the configured watermark

			@param ctxt context.Context - execution context
			@returns whether the filesystem is too full for new writes
	*/
	BelowWatermark(ctxt context.Context) (bool, error)
}

// statfsDiskMonitor implements DiskMonitor against a local path
type statfsDiskMonitor struct {
	goutils.Component
	path         string
	watermarkPct float64
}

/*
NewDiskMonitor define a new disk monitor

	@param path string - directory on the filesystem to watch
	@param watermarkPct float64 - minimum free space percentage
	@returns new DiskMonitor
*/
func NewDiskMonitor(path string, watermarkPct float64) DiskMonitor {
	return &statfsDiskMonitor{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "utils", "component": "disk-monitor", "path": path,
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		path:         path,
		watermarkPct: watermarkPct,
	}
}

func (m *statfsDiskMonitor) Usage(ctxt context.Context) (DiskUsage, error) {
	logTags := m.GetLogTagsForContext(ctxt)

	var stat unix.Statfs_t
	if err := unix.Statfs(m.path, &stat); err != nil {
		log.WithError(err).WithFields(logTags).Error("Filesystem statfs failed")
		return DiskUsage{}, fmt.Errorf("statfs of '%s' failed: %w", m.path, err)
	}

	blockSize := uint64(stat.Bsize)
	return DiskUsage{
		TotalBytes: stat.Blocks * blockSize,
		FreeBytes:  stat.Bavail * blockSize,
	}, nil
}

func (m *statfsDiskMonitor) BelowWatermark(ctxt context.Context) (bool, error) {
	usage, err := m.Usage(ctxt)
	if err != nil {
		return false, err
	}
	return usage.FreePercent() < m.watermarkPct, nil
}

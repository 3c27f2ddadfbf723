package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
)

// fixedDiskMonitor test double with a fixed watermark answer
type fixedDiskMonitor struct {
	below bool
}

func (m *fixedDiskMonitor) Usage(ctxt context.Context) (utils.DiskUsage, error) {
	return utils.DiskUsage{TotalBytes: 100, FreeBytes: 50}, nil
}

func (m *fixedDiskMonitor) BelowWatermark(ctxt context.Context) (bool, error) {
	return m.below, nil
}

func TestLayoutReserveCommit(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	root := t.TempDir()
	uut, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: t.TempDir()},
		&fixedDiskMonitor{},
	)
	assert.Nil(err)

	tmpPath, err := uut.Reserve(utCtxt, "cam-1_20260828_101500", ".mp4", false)
	assert.Nil(err)
	assert.Equal(filepath.Join(root, ".tmp"), filepath.Dir(tmpPath))
	assert.Nil(os.WriteFile(tmpPath, []byte("payload"), 0o640))

	finalPath, err := uut.Commit(utCtxt, tmpPath)
	assert.Nil(err)
	assert.Equal(filepath.Join(root, "cam-1_20260828_101500.mp4"), finalPath)

	handle, err := uut.OpenRead(utCtxt, finalPath)
	assert.Nil(err)
	assert.Nil(handle.Close())

	// The temp file is gone after commit
	_, err = os.Stat(tmpPath)
	assert.True(os.IsNotExist(err))
}

func TestLayoutEncryptedSuffix(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := storage.NewLayout(
		common.StorageConfig{
			RecordingRoot: t.TempDir(), DiskFreeWatermarkPct: 5, ScratchDir: t.TempDir(),
		},
		&fixedDiskMonitor{},
	)
	assert.Nil(err)

	tmpPath, err := uut.Reserve(utCtxt, "webcam_20260828_101500", ".webm", true)
	assert.Nil(err)
	assert.Equal("webcam_20260828_101500.webm.enc", filepath.Base(tmpPath))
}

func TestLayoutScratchDirIsConfigured(t *testing.T) {
	assert := assert.New(t)

	root := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "vigil-scratch")
	uut, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: scratch},
		&fixedDiskMonitor{},
	)
	assert.Nil(err)

	// The scratch directory lives outside the recording root, on the
	// configured path
	assert.Equal(scratch, uut.ScratchDir())
	info, err := os.Stat(scratch)
	assert.Nil(err)
	assert.True(info.IsDir())
	_, err = os.Stat(filepath.Join(root, ".scratch"))
	assert.True(os.IsNotExist(err))
}

func TestLayoutNoSpace(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := storage.NewLayout(
		common.StorageConfig{
			RecordingRoot: t.TempDir(), DiskFreeWatermarkPct: 5, ScratchDir: t.TempDir(),
		},
		&fixedDiskMonitor{below: true},
	)
	assert.Nil(err)

	_, err = uut.Reserve(utCtxt, "cam-1_20260828_101500", ".mp4", false)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeNoSpace, common.CodeOf(err))
}

func TestLayoutConflictingName(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	root := t.TempDir()
	uut, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: t.TempDir()},
		&fixedDiskMonitor{},
	)
	assert.Nil(err)

	tmpPath, err := uut.Reserve(utCtxt, "cam-1_20260828_101500", ".mp4", false)
	assert.Nil(err)
	_, err = uut.Commit(utCtxt, tmpPath)
	assert.Nil(err)

	// Committing the same stem again must conflict
	tmpPath, err = uut.Reserve(utCtxt, "cam-1_20260828_101500", ".mp4", false)
	assert.Nil(err)
	_, err = uut.Commit(utCtxt, tmpPath)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeConflictingName, common.CodeOf(err))
}

func TestLayoutDelete(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	root := t.TempDir()
	uut, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: t.TempDir()},
		&fixedDiskMonitor{},
	)
	assert.Nil(err)

	recordingID := "cam-1_20260828_101500"
	tmpPath, err := uut.Reserve(utCtxt, recordingID, ".mp4", false)
	assert.Nil(err)
	finalPath, err := uut.Commit(utCtxt, tmpPath)
	assert.Nil(err)

	// Derived artifacts alongside the primary
	assert.Nil(os.MkdirAll(uut.HLSDir(recordingID), 0o750))
	assert.Nil(os.WriteFile(filepath.Join(uut.HLSDir(recordingID), "index.m3u8"), []byte("#EXTM3U"), 0o640))
	assert.Nil(os.WriteFile(uut.ThumbnailPath(recordingID), []byte("jpg"), 0o640))

	assert.Nil(uut.Delete(utCtxt, recordingID, finalPath))
	_, err = os.Stat(finalPath)
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(uut.HLSDir(recordingID))
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(uut.ThumbnailPath(recordingID))
	assert.True(os.IsNotExist(err))

	// Missing artifacts do not fail deletion
	assert.Nil(uut.Delete(utCtxt, recordingID, finalPath))
}

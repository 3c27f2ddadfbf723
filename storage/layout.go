package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/utils"
)

// Subdirectories of the recording root. Primary artifacts sit flat in the
// root itself.
const (
	tmpDirName       = ".tmp"
	hlsDirName       = "hls"
	thumbnailDirName = "thumbnails"
)

// Layout owns the on-disk bytes under the recording root. Metadata rows are
// owned elsewhere; no caller may unlink an artifact without soft deleting
// the corresponding row first.
type Layout interface {
	/*
		Reserve allocate a temporary path for a new artifact. The temp path is
		on the same filesystem as the final path so Commit is a single rename.

			@param ctxt context.Context - execution context
			@param stem string - artifact stem, `<channel>_<utc-stamp>`
			@param ext string - container suffix, ".mp4" or ".webm"
			@param encrypted bool - whether the payload carries a ".enc" suffix
			@returns temp path to write into
	*/
	Reserve(ctxt context.Context, stem, ext string, encrypted bool) (string, error)

	/*
		Commit atomically move a reserved temp file to its final path

			@param ctxt context.Context - execution context
			@param tmpPath string - path returned by Reserve
			@returns final artifact path
	*/
	Commit(ctxt context.Context, tmpPath string) (string, error)

	/*
		Discard remove a reserved temp file which will not be committed

			@param ctxt context.Context - execution context
			@param tmpPath string - path returned by Reserve
	*/
	Discard(ctxt context.Context, tmpPath string) error

	/*
		OpenRead open a committed artifact for reading

			@param ctxt context.Context - execution context
			@param artifactPath string - path recorded in the metadata store
			@returns open file handle
	*/
	OpenRead(ctxt context.Context, artifactPath string) (*os.File, error)

	/*
		Delete unlink a committed artifact along with its derived HLS subtree
		and thumbnail

			@param ctxt context.Context - execution context
			@param recordingID string - recording ID, equal to the artifact stem
			@param artifactPath string - path recorded in the metadata store
	*/
	Delete(ctxt context.Context, recordingID, artifactPath string) error

	/*
		HLSDir derived HLS directory for a recording

			@param recordingID string - recording ID
			@returns directory holding index.m3u8 and segments
	*/
	HLSDir(recordingID string) string

	/*
		ThumbnailPath derived thumbnail path for a recording

			@param recordingID string - recording ID
			@returns thumbnail JPEG path
	*/
	ThumbnailPath(recordingID string) string

	/*
		ScratchDir directory for transient decrypted payloads

			@returns scratch directory path
	*/
	ScratchDir() string

	/*
		Root the recording root directory

			@returns recording root
	*/
	Root() string
}

// flatLayout implements Layout over a flat primary directory
type flatLayout struct {
	goutils.Component
	root    string
	scratch string
	disk    utils.DiskMonitor
}

/*
NewLayout define a new storage layout rooted at the recording root

	@param config common.StorageConfig - storage configuration
	@param disk utils.DiskMonitor - free space monitor for the root filesystem
	@returns new Layout
*/
func NewLayout(config common.StorageConfig, disk utils.DiskMonitor) (Layout, error) {
	instance := &flatLayout{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "storage", "component": "layout", "root": config.RecordingRoot,
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		root:    config.RecordingRoot,
		scratch: config.ScratchDir,
		disk:    disk,
	}

	// Supporting subdirectories must exist before any reservation
	for _, subdir := range []string{tmpDirName, hlsDirName, thumbnailDirName} {
		if err := os.MkdirAll(filepath.Join(config.RecordingRoot, subdir), 0o750); err != nil {
			return nil, common.WrapError(
				common.ErrCodeStorageError,
				fmt.Sprintf("unable to prepare '%s' under recording root", subdir),
				err,
			)
		}
	}

	// The scratch directory sits on its own tmpfs backed filesystem so
	// decrypted plaintext never touches the recording disk
	if err := os.MkdirAll(config.ScratchDir, 0o750); err != nil {
		return nil, common.WrapError(
			common.ErrCodeStorageError, "unable to prepare the scratch directory", err,
		)
	}

	return instance, nil
}

func (l *flatLayout) Root() string {
	return l.root
}

func (l *flatLayout) HLSDir(recordingID string) string {
	return filepath.Join(l.root, hlsDirName, recordingID)
}

func (l *flatLayout) ThumbnailPath(recordingID string) string {
	return filepath.Join(l.root, thumbnailDirName, fmt.Sprintf("%s.jpg", recordingID))
}

func (l *flatLayout) ScratchDir() string {
	return l.scratch
}

// finalPath target path for a temp file name produced by Reserve
func (l *flatLayout) finalPath(tmpPath string) string {
	return filepath.Join(l.root, filepath.Base(tmpPath))
}

func (l *flatLayout) Reserve(
	ctxt context.Context, stem, ext string, encrypted bool,
) (string, error) {
	logTags := l.GetLogTagsForContext(ctxt)

	if strings.ContainsRune(stem, os.PathSeparator) {
		return "", common.NewError(common.ErrCodeBadRequest, "artifact stem contains a path separator")
	}

	belowWatermark, err := l.disk.BelowWatermark(ctxt)
	if err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "free space check failed", err)
	}
	if belowWatermark {
		log.WithFields(logTags).WithField("stem", stem).Error("Recording filesystem below free space watermark")
		return "", common.NewError(common.ErrCodeNoSpace, "recording filesystem below free space watermark")
	}

	filename := stem + ext
	if encrypted {
		filename += ".enc"
	}
	tmpPath := filepath.Join(l.root, tmpDirName, filename)

	// O_EXCL so two reservations of the same stem cannot share a temp file
	handle, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return "", common.NewError(
				common.ErrCodeConflictingName,
				fmt.Sprintf("artifact '%s' is already being written", filename),
			)
		}
		log.WithError(err).WithFields(logTags).WithField("stem", stem).Error("Temp file reservation failed")
		return "", common.WrapError(common.ErrCodeStorageError, "temp file reservation failed", err)
	}
	if err := handle.Close(); err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "temp file reservation failed", err)
	}

	return tmpPath, nil
}

func (l *flatLayout) Commit(ctxt context.Context, tmpPath string) (string, error) {
	logTags := l.GetLogTagsForContext(ctxt)

	target := l.finalPath(tmpPath)
	if _, err := os.Stat(target); err == nil {
		return "", common.NewError(
			common.ErrCodeConflictingName,
			fmt.Sprintf("artifact '%s' already exists", filepath.Base(target)),
		)
	} else if !os.IsNotExist(err) {
		return "", common.WrapError(common.ErrCodeStorageError, "artifact stat failed", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		log.WithError(err).WithFields(logTags).WithField("target", target).Error("Artifact commit failed")
		return "", common.WrapError(common.ErrCodeStorageError, "artifact rename failed", err)
	}

	// fsync the parent so the rename survives a crash
	if err := syncDir(l.root); err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording root fsync failed")
		return "", common.WrapError(common.ErrCodeStorageError, "recording root fsync failed", err)
	}

	return target, nil
}

func (l *flatLayout) Discard(ctxt context.Context, tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return common.WrapError(common.ErrCodeStorageError, "temp file removal failed", err)
	}
	return nil
}

func (l *flatLayout) OpenRead(ctxt context.Context, artifactPath string) (*os.File, error) {
	handle, err := os.Open(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewError(
				common.ErrCodeArtifactMissing,
				fmt.Sprintf("artifact '%s' is missing on disk", filepath.Base(artifactPath)),
			)
		}
		return nil, common.WrapError(common.ErrCodeStorageError, "artifact open failed", err)
	}
	return handle, nil
}

func (l *flatLayout) Delete(ctxt context.Context, recordingID, artifactPath string) error {
	logTags := l.GetLogTagsForContext(ctxt)

	if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithFields(logTags).WithField("artifact", artifactPath).Error("Artifact unlink failed")
		return common.WrapError(common.ErrCodeStorageError, "artifact unlink failed", err)
	}
	if err := os.RemoveAll(l.HLSDir(recordingID)); err != nil {
		log.WithError(err).WithFields(logTags).WithField("recording", recordingID).Error("HLS subtree removal failed")
		return common.WrapError(common.ErrCodeStorageError, "HLS subtree removal failed", err)
	}
	if err := os.Remove(l.ThumbnailPath(recordingID)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithFields(logTags).WithField("recording", recordingID).Error("Thumbnail removal failed")
		return common.WrapError(common.ErrCodeStorageError, "thumbnail removal failed", err)
	}
	return nil
}

// syncDir fsync a directory by path
func syncDir(path string) error {
	handle, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = handle.Close() }()
	return handle.Sync()
}

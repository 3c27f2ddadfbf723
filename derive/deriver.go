package derive

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/hls"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/vault"
)

// thumbnailJPEGQuality preview JPEG encode quality
const thumbnailJPEGQuality = 80

// derivationMetrics tracking number of derivations performed
var derivationMetrics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_derivations_total",
	Help: "Tracking number of artifact derivations",
}, []string{"kind", "outcome"})

// Deriver derives HLS trees and thumbnails from recording artifacts
type Deriver interface {
	/*
		GenerateHLS produce an HLS tree for a recording. Idempotent: when a
		playlist newer than the source artifact already exists it is returned
		without re-transcoding. At most one generation runs per recording;
		concurrent callers share the result.

			@param ctxt context.Context - execution context
			@param recording common.Recording - target recording
			@returns playlist path
	*/
	GenerateHLS(ctxt context.Context, recording common.Recording) (string, error)

	/*
		GenerateThumbnail produce a preview JPEG from the first decodable
		frame

			@param ctxt context.Context - execution context
			@param recording common.Recording - target recording
			@returns thumbnail path
	*/
	GenerateThumbnail(ctxt context.Context, recording common.Recording) (string, error)
}

// deriverImpl implements Deriver
type deriverImpl struct {
	goutils.Component
	layout        storage.Layout
	vault         vault.Vault
	parser        hls.PlaylistParser
	config        common.TranscoderConfig
	perIDLocks    map[string]*sync.Mutex
	perIDLockLock sync.Mutex
}

/*
NewDeriver define a new artifact deriver

	@param layout storage.Layout - artifact storage
	@param artifactVault vault.Vault - encryption vault
	@param config common.TranscoderConfig - transcoder configuration
	@returns new Deriver
*/
func NewDeriver(
	layout storage.Layout, artifactVault vault.Vault, config common.TranscoderConfig,
) (Deriver, error) {
	return &deriverImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "derive", "component": "deriver"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		layout:     layout,
		vault:      artifactVault,
		parser:     hls.NewPlaylistParser(),
		config:     config,
		perIDLocks: make(map[string]*sync.Mutex),
	}, nil
}

// lockForRecording per recording ID serialization
func (d *deriverImpl) lockForRecording(recordingID string) *sync.Mutex {
	d.perIDLockLock.Lock()
	defer d.perIDLockLock.Unlock()
	lock, ok := d.perIDLocks[recordingID]
	if !ok {
		lock = &sync.Mutex{}
		d.perIDLocks[recordingID] = lock
	}
	return lock
}

// markerPath on-disk in-progress marker for crash safety
func (d *deriverImpl) markerPath(recordingID string) string {
	return d.layout.HLSDir(recordingID) + ".inprogress"
}

// plaintextSource resolve a readable plaintext path for the artifact. For
// encrypted artifacts the payload is decrypted into the scratch directory;
// the caller must invoke cleanup on every exit path.
func (d *deriverImpl) plaintextSource(
	ctxt context.Context, recording common.Recording,
) (string, func(), error) {
	noop := func() {}

	if recording.Encryption == common.EncryptionModeNone {
		if _, err := os.Stat(recording.ArtifactPath); err != nil {
			return "", noop, common.NewError(
				common.ErrCodeArtifactMissing,
				fmt.Sprintf("artifact for '%s' is missing on disk", recording.ID),
			)
		}
		return recording.ArtifactPath, noop, nil
	}

	source, err := d.layout.OpenRead(ctxt, recording.ArtifactPath)
	if err != nil {
		return "", noop, err
	}
	defer func() { _ = source.Close() }()

	version, err := vault.PayloadVersion(source)
	if err != nil {
		return "", noop, err
	}

	scratchPath := filepath.Join(
		d.layout.ScratchDir(),
		fmt.Sprintf("%s-%s%s", recording.ID, ulid.Make().String(), filepath.Ext(strings.TrimSuffix(recording.ArtifactPath, ".enc"))),
	)
	cleanup := func() { _ = os.Remove(scratchPath) }

	switch version {
	case vault.VersionMonolithic:
		payload, err := os.ReadFile(recording.ArtifactPath)
		if err != nil {
			return "", noop, common.WrapError(common.ErrCodeStorageError, "artifact read failed", err)
		}
		plaintext, err := d.vault.Decrypt(ctxt, payload)
		if err != nil {
			return "", noop, err
		}
		if err := os.WriteFile(scratchPath, plaintext, 0o600); err != nil {
			cleanup()
			return "", noop, common.WrapError(common.ErrCodeStorageError, "scratch write failed", err)
		}
	case vault.VersionChunked:
		sink, err := os.OpenFile(scratchPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return "", noop, common.WrapError(common.ErrCodeStorageError, "scratch open failed", err)
		}
		if _, err := d.vault.DecryptStream(ctxt, source, sink); err != nil {
			_ = sink.Close()
			cleanup()
			return "", noop, err
		}
		if err := sink.Close(); err != nil {
			cleanup()
			return "", noop, common.WrapError(common.ErrCodeStorageError, "scratch close failed", err)
		}
	default:
		return "", noop, common.NewError(
			common.ErrCodeMalformedPayload,
			fmt.Sprintf("unknown payload version 0x%02x", version),
		)
	}

	return scratchPath, cleanup, nil
}

func (d *deriverImpl) GenerateHLS(
	ctxt context.Context, recording common.Recording,
) (string, error) {
	logTags := d.GetLogTagsForContext(ctxt)

	// Serialize generation per recording; waiting callers observe the
	// completed tree through the short-circuit below.
	lock := d.lockForRecording(recording.ID)
	lock.Lock()
	defer lock.Unlock()

	hlsDir := d.layout.HLSDir(recording.ID)
	playlistPath := filepath.Join(hlsDir, "index.m3u8")
	marker := d.markerPath(recording.ID)

	// A marker without a running generation means a previous attempt died
	// mid-transcode; its partial tree is garbage.
	if _, err := os.Stat(marker); err == nil {
		log.WithFields(logTags).WithField("recording-id", recording.ID).Warn("Removing interrupted HLS tree")
		_ = os.RemoveAll(hlsDir)
		_ = os.Remove(marker)
	}

	// Short-circuit when the existing tree is newer than the source
	sourceStat, err := os.Stat(recording.ArtifactPath)
	if err != nil {
		return "", common.NewError(
			common.ErrCodeArtifactMissing,
			fmt.Sprintf("artifact for '%s' is missing on disk", recording.ID),
		)
	}
	if playlistStat, err := os.Stat(playlistPath); err == nil {
		if playlistStat.ModTime().After(sourceStat.ModTime()) {
			return playlistPath, nil
		}
		_ = os.RemoveAll(hlsDir)
	}

	source, cleanupSource, err := d.plaintextSource(ctxt, recording)
	if err != nil {
		return "", err
	}
	defer cleanupSource()

	if err := os.MkdirAll(hlsDir, 0o750); err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "HLS directory creation failed", err)
	}
	if err := os.WriteFile(marker, []byte(recording.ID), 0o640); err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "marker write failed", err)
	}

	execCtxt, cancel := context.WithTimeout(ctxt, d.config.HLSGenTimeout())
	defer cancel()

	// H.264 + AAC into a fixed length segment VOD tree
	cmd := exec.CommandContext(
		execCtxt,
		d.config.Path,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", source,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", d.config.SegmentLengthInSec),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(hlsDir, "seg-%05d.ts"),
		playlistPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.RemoveAll(hlsDir)
		_ = os.Remove(marker)
		derivationMetrics.With(prometheus.Labels{"kind": "hls", "outcome": "failure"}).Inc()
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording-id", recording.ID).
			WithField("transcoder-output", string(output)).
			Error("HLS generation failed")
		return "", common.WrapError(
			common.ErrCodeTranscodeFailed,
			fmt.Sprintf("transcoder failed for '%s'", recording.ID),
			err,
		)
	}

	// Validate the produced playlist before declaring success
	content, err := os.ReadFile(playlistPath)
	if err != nil {
		_ = os.RemoveAll(hlsDir)
		_ = os.Remove(marker)
		return "", common.WrapError(common.ErrCodeTranscodeFailed, "playlist missing after transcode", err)
	}
	if _, err := d.parser.ParsePlaylist(
		ctxt, "index.m3u8", strings.Split(string(content), "\n"), time.Now().UTC(),
	); err != nil {
		_ = os.RemoveAll(hlsDir)
		_ = os.Remove(marker)
		return "", common.WrapError(common.ErrCodeTranscodeFailed, "playlist failed validation", err)
	}

	if err := os.Remove(marker); err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "marker removal failed", err)
	}

	derivationMetrics.With(prometheus.Labels{"kind": "hls", "outcome": "success"}).Inc()
	log.
		WithFields(logTags).
		WithField("recording-id", recording.ID).
		Info("Generated HLS tree")
	return playlistPath, nil
}

func (d *deriverImpl) GenerateThumbnail(
	ctxt context.Context, recording common.Recording,
) (string, error) {
	logTags := d.GetLogTagsForContext(ctxt)

	source, cleanupSource, err := d.plaintextSource(ctxt, recording)
	if err != nil {
		return "", err
	}
	defer cleanupSource()

	// Extract the first decodable frame losslessly, then encode the JPEG
	// at the published quality
	framePath := filepath.Join(
		d.layout.ScratchDir(), fmt.Sprintf("%s-%s.png", recording.ID, ulid.Make().String()),
	)
	defer func() { _ = os.Remove(framePath) }()

	execCtxt, cancel := context.WithTimeout(ctxt, time.Minute)
	defer cancel()

	cmd := exec.CommandContext(
		execCtxt,
		d.config.Path,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", source,
		"-frames:v", "1",
		framePath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording-id", recording.ID).
			WithField("transcoder-output", string(output)).
			Debug("Frame extraction failed")
		return "", common.WrapError(
			common.ErrCodeThumbnailUnavailable,
			fmt.Sprintf("no decodable frame in '%s'", recording.ID),
			err,
		)
	}

	frameBytes, err := os.ReadFile(framePath)
	if err != nil {
		return "", common.WrapError(common.ErrCodeThumbnailUnavailable, "extracted frame unreadable", err)
	}
	frame, err := png.Decode(bytes.NewReader(frameBytes))
	if err != nil {
		return "", common.WrapError(common.ErrCodeThumbnailUnavailable, "extracted frame undecodable", err)
	}

	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, frame, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return "", common.WrapError(common.ErrCodeThumbnailUnavailable, "JPEG encode failed", err)
	}

	thumbnailPath := d.layout.ThumbnailPath(recording.ID)
	if err := os.WriteFile(thumbnailPath, encoded.Bytes(), 0o640); err != nil {
		return "", common.WrapError(common.ErrCodeStorageError, "thumbnail write failed", err)
	}

	derivationMetrics.With(prometheus.Labels{"kind": "thumbnail", "outcome": "success"}).Inc()
	return thumbnailPath, nil
}

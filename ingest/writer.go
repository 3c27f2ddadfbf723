package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/vault"
)

// copyChunkSize payload streaming copy granularity
const copyChunkSize = 1 << 20

// ingestMetrics tracking number of ingested recordings
var ingestMetrics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_ingested_recordings_total",
	Help: "Tracking number of ingested recordings",
}, []string{"tenant", "encryption"})

// maxFilenameHintBytes sanitized filename hint length cap
const maxFilenameHintBytes = 128

// UploadRequest one logical upload
type UploadRequest struct {
	// TenantID owning tenant
	TenantID string `validate:"required"`
	// Subject caller identity as supplied by the gateway
	Subject string `validate:"required"`
	// ChannelID originating channel, unset for direct uploads
	ChannelID *string
	// StartTime capture start, defaults to now
	StartTime *time.Time
	// DurationSec capture duration in seconds, if the caller knows it
	DurationSec int `validate:"gte=0"`
	// MotionDetected whether motion accompanied the capture
	MotionDetected bool
	// Format desired container
	Format string `validate:"oneof=mp4 webm"`
	// FilenameHint optional artifact naming hint
	FilenameHint string
	// Type recording type, defaults to continuous
	Type common.RecordingType
}

// UploadResult outcome of a successful upload
type UploadResult struct {
	// RecordingID new recording ID
	RecordingID string `json:"id"`
	// FileSize on-disk artifact size in bytes
	FileSize int64 `json:"file_size"`
	// Encryption artifact encryption mode
	Encryption common.EncryptionMode `json:"encryption"`
}

// ThumbnailGenerator downstream thumbnail derivation
type ThumbnailGenerator interface {
	/*
		GenerateThumbnail derive a preview JPEG for a recording

			@param ctxt context.Context - execution context
			@param recording common.Recording - target recording
			@returns thumbnail path
	*/
	GenerateThumbnail(ctxt context.Context, recording common.Recording) (string, error)
}

// Writer upload ingest pipeline
type Writer interface {
	/*
		Ingest persist one streamed upload. The artifact is either fully
		registered or entirely absent afterwards.

			@param ctxt context.Context - execution context
			@param request UploadRequest - upload parameters
			@param payload io.Reader - streaming payload
			@returns upload outcome
	*/
	Ingest(ctxt context.Context, request UploadRequest, payload io.Reader) (UploadResult, error)

	/*
		Stop stop the background thumbnail workers

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error
}

// writerImpl implements Writer
type writerImpl struct {
	goutils.Component
	layout           storage.Layout
	vault            vault.Vault
	dbClient         db.PersistenceManager
	thumbnails       ThumbnailGenerator
	config           common.IngestConfig
	validator        *validator.Validate
	thumbnailWorkers goutils.TaskProcessor
	workerCtxt       context.Context
	workerCtxtCancel context.CancelFunc
	wg               sync.WaitGroup
}

// thumbnailRequest queued thumbnail derivation job
type thumbnailRequest struct {
	recording common.Recording
}

/*
NewWriter define a new upload ingest writer

	@param parentContext context.Context - parent context for the thumbnail workers
	@param layout storage.Layout - artifact storage
	@param artifactVault vault.Vault - encryption vault
	@param dbClient db.PersistenceManager - metadata store
	@param thumbnails ThumbnailGenerator - thumbnail deriver
	@param config common.IngestConfig - ingest configuration
	@returns new Writer
*/
func NewWriter(
	parentContext context.Context,
	layout storage.Layout,
	artifactVault vault.Vault,
	dbClient db.PersistenceManager,
	thumbnails ThumbnailGenerator,
	config common.IngestConfig,
) (Writer, error) {
	logTags := log.Fields{"module": "ingest", "component": "writer"}

	workerCtxt, cancel := context.WithCancel(parentContext)
	instance := &writerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		layout:           layout,
		vault:            artifactVault,
		dbClient:         dbClient,
		thumbnails:       thumbnails,
		config:           config,
		validator:        validator.New(),
		workerCtxt:       workerCtxt,
		workerCtxtCancel: cancel,
	}

	// Thumbnail jobs run on a background worker pool so uploads never wait
	// on derivation
	workerLogTags := log.Fields{
		"module": "ingest", "component": "writer", "sub-module": "thumbnail-worker",
	}
	workers, err := goutils.GetNewTaskDemuxProcessorInstance(
		workerCtxt,
		"thumbnail-jobs",
		config.ThumbnailWorkerCount*4,
		config.ThumbnailWorkerCount,
		workerLogTags,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define thumbnail worker pool")
		return nil, err
	}
	instance.thumbnailWorkers = workers

	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(thumbnailRequest{}), instance.deriveThumbnail,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task definition")
		return nil, err
	}

	if err := workers.StartEventLoop(&instance.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start the thumbnail worker threads")
		return nil, err
	}

	return instance, nil
}

func (w *writerImpl) Stop(ctxt context.Context) error {
	w.workerCtxtCancel()
	if err := w.thumbnailWorkers.StopEventLoop(); err != nil {
		return err
	}
	return goutils.TimeBoundedWaitGroupWait(ctxt, &w.wg, time.Second*10)
}

/*
SanitizeFilenameHint normalize a caller supplied filename hint. Path
separators are removed, any container or ciphertext suffix is stripped, and
the result is capped.

	@param hint string - raw filename hint
	@returns sanitized hint, possibly empty
*/
func SanitizeFilenameHint(hint string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return -1
		}
		return r
	}, hint)

	for {
		lowered := strings.ToLower(cleaned)
		if strings.HasSuffix(lowered, ".mp4") || strings.HasSuffix(lowered, ".enc") {
			cleaned = cleaned[:len(cleaned)-4]
			continue
		}
		if strings.HasSuffix(lowered, ".webm") {
			cleaned = cleaned[:len(cleaned)-5]
			continue
		}
		break
	}

	if len(cleaned) > maxFilenameHintBytes {
		cleaned = cleaned[:maxFilenameHintBytes]
	}
	return cleaned
}

// buildStem artifact stem `<base>_<yyyymmdd_HHMMSS>` in UTC. The filename
// hint wins over the channel name; direct uploads without either are
// attributed to "webcam".
func buildStem(request UploadRequest, timestamp time.Time) string {
	base := SanitizeFilenameHint(request.FilenameHint)
	if base == "" {
		if request.ChannelID != nil && *request.ChannelID != "" {
			base = *request.ChannelID
		} else {
			base = "webcam"
		}
	}
	return fmt.Sprintf("%s_%s", base, timestamp.UTC().Format("20060102_150405"))
}

func (w *writerImpl) Ingest(
	ctxt context.Context, request UploadRequest, payload io.Reader,
) (UploadResult, error) {
	logTags := w.GetLogTagsForContext(ctxt)

	if request.Type == "" {
		request.Type = common.RecordingTypeContinuous
	}
	if err := w.validator.Struct(&request); err != nil {
		return UploadResult{}, common.WrapError(common.ErrCodeBadRequest, "upload request is invalid", err)
	}

	startTime := time.Now().UTC()
	if request.StartTime != nil {
		startTime = request.StartTime.UTC()
	}

	stem := buildStem(request, time.Now().UTC())
	ext := "." + request.Format

	// Stage the plaintext payload
	plainTmp, err := w.layout.Reserve(ctxt, stem, ext, false)
	if err != nil {
		return UploadResult{}, err
	}
	plainSize, err := w.stagePayload(ctxt, plainTmp, payload)
	if err != nil {
		_ = w.layout.Discard(ctxt, plainTmp)
		return UploadResult{}, err
	}

	// Encrypt when the vault holds a key
	finalTmp := plainTmp
	encryption := common.EncryptionModeNone
	if w.vault.Enabled() {
		encTmp, err := w.encryptStaged(ctxt, stem, ext, plainTmp, plainSize)
		_ = w.layout.Discard(ctxt, plainTmp)
		if err != nil {
			return UploadResult{}, err
		}
		finalTmp = encTmp
		encryption = common.EncryptionModeAEAD
	}

	// Cancellation before commit leaves no trace
	if err := ctxt.Err(); err != nil {
		_ = w.layout.Discard(ctxt, finalTmp)
		return UploadResult{}, common.WrapError(common.ErrCodeStorageError, "upload cancelled", err)
	}

	finalPath, err := w.layout.Commit(ctxt, finalTmp)
	if err != nil {
		_ = w.layout.Discard(ctxt, finalTmp)
		return UploadResult{}, err
	}

	stat, err := os.Stat(finalPath)
	if err != nil {
		_ = w.layout.Delete(ctxt, stem, finalPath)
		return UploadResult{}, common.WrapError(common.ErrCodeStorageError, "artifact stat failed", err)
	}

	entry := common.Recording{
		ID:             stem,
		TenantID:       request.TenantID,
		ChannelID:      request.ChannelID,
		Filename:       stem + ext,
		ArtifactPath:   finalPath,
		FileSize:       stat.Size(),
		Duration:       request.DurationSec,
		StartTime:      startTime,
		MotionDetected: request.MotionDetected,
		Encryption:     encryption,
		Type:           request.Type,
	}
	if request.DurationSec > 0 {
		endTime := startTime.Add(time.Second * time.Duration(request.DurationSec))
		entry.EndTime = &endTime
	}

	// The artifact is either fully registered or entirely absent
	if err := w.dbClient.RecordRecording(ctxt, entry); err != nil {
		_ = w.layout.Delete(ctxt, stem, finalPath)
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording-id", stem).
			Error("Recording registration failed, artifact removed")
		return UploadResult{}, err
	}

	// Thumbnail derivation is best effort
	if err := w.thumbnailWorkers.Submit(ctxt, thumbnailRequest{recording: entry}); err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording-id", stem).
			Warn("Failed to queue thumbnail job")
	}

	log.
		WithFields(logTags).
		WithField("recording-id", stem).
		WithField("file-size", stat.Size()).
		WithField("encryption", encryption).
		Info("Ingested recording")
	ingestMetrics.
		With(prometheus.Labels{"tenant": request.TenantID, "encryption": string(encryption)}).
		Inc()

	return UploadResult{
		RecordingID: stem, FileSize: stat.Size(), Encryption: encryption,
	}, nil
}

// stagePayload stream the payload into the reserved temp path in fixed
// size chunks, bounded by the upload size limit
func (w *writerImpl) stagePayload(
	ctxt context.Context, tmpPath string, payload io.Reader,
) (int64, error) {
	logTags := w.GetLogTagsForContext(ctxt)

	handle, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, common.WrapError(common.ErrCodeStorageError, "temp file open failed", err)
	}
	defer func() { _ = handle.Close() }()

	var total int64
	buffer := make([]byte, copyChunkSize)
	for {
		if err := ctxt.Err(); err != nil {
			return total, common.WrapError(common.ErrCodeStorageError, "upload cancelled", err)
		}
		n, readErr := payload.Read(buffer)
		if n > 0 {
			total += int64(n)
			if total > w.config.MaxUploadBytes {
				return total, common.NewError(
					common.ErrCodePayloadTooLarge,
					fmt.Sprintf("upload exceeds the %d byte limit", w.config.MaxUploadBytes),
				)
			}
			if _, err := handle.Write(buffer[:n]); err != nil {
				log.WithError(err).WithFields(logTags).Error("Payload write failed")
				return total, common.WrapError(common.ErrCodeStorageError, "payload write failed", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, common.WrapError(common.ErrCodeStorageError, "payload read failed", readErr)
		}
	}

	if err := handle.Sync(); err != nil {
		return total, common.WrapError(common.ErrCodeStorageError, "temp file sync failed", err)
	}
	return total, nil
}

// encryptStaged produce the encrypted artifact temp from the staged
// plaintext temp. Small payloads are sealed in one pass; larger ones are
// sealed in streaming chunks.
func (w *writerImpl) encryptStaged(
	ctxt context.Context, stem, ext, plainTmp string, plainSize int64,
) (string, error) {
	logTags := w.GetLogTagsForContext(ctxt)

	encTmp, err := w.layout.Reserve(ctxt, stem, ext, true)
	if err != nil {
		return "", err
	}
	discardEnc := func() { _ = w.layout.Discard(ctxt, encTmp) }

	if plainSize <= w.config.ChunkEncryptThresholdBytes {
		plaintext, err := os.ReadFile(plainTmp)
		if err != nil {
			discardEnc()
			return "", common.WrapError(common.ErrCodeStorageError, "staged payload read failed", err)
		}
		payload, err := w.vault.Encrypt(ctxt, plaintext)
		if err != nil {
			discardEnc()
			return "", common.WrapError(common.ErrCodeEncryptionFailed, "payload encryption failed", err)
		}
		if err := os.WriteFile(encTmp, payload, 0o640); err != nil {
			discardEnc()
			return "", common.WrapError(common.ErrCodeStorageError, "ciphertext write failed", err)
		}
		return encTmp, nil
	}

	// Streaming chunked encryption for payloads above the threshold
	source, err := os.Open(plainTmp)
	if err != nil {
		discardEnc()
		return "", common.WrapError(common.ErrCodeStorageError, "staged payload open failed", err)
	}
	defer func() { _ = source.Close() }()

	sink, err := os.OpenFile(encTmp, os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		discardEnc()
		return "", common.WrapError(common.ErrCodeStorageError, "ciphertext open failed", err)
	}

	if _, err := w.vault.EncryptStream(ctxt, source, sink); err != nil {
		_ = sink.Close()
		discardEnc()
		log.WithError(err).WithFields(logTags).Error("Streaming encryption failed")
		return "", common.WrapError(common.ErrCodeEncryptionFailed, "streaming encryption failed", err)
	}
	if err := sink.Close(); err != nil {
		discardEnc()
		return "", common.WrapError(common.ErrCodeStorageError, "ciphertext close failed", err)
	}

	return encTmp, nil
}

// deriveThumbnail thumbnail worker task entry point
func (w *writerImpl) deriveThumbnail(params interface{}) error {
	request, ok := params.(thumbnailRequest)
	if !ok {
		err := fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(params))
		logTags := w.GetLogTagsForContext(w.workerCtxt)
		log.WithError(err).WithFields(logTags).Error("'GenerateThumbnail' processing failure")
		return err
	}

	logTags := w.GetLogTagsForContext(w.workerCtxt)
	if _, err := w.thumbnails.GenerateThumbnail(w.workerCtxt, request.recording); err != nil {
		// Thumbnail failure never fails the upload
		log.
			WithError(err).
			WithFields(logTags).
			WithField("recording-id", request.recording.ID).
			Warn("Thumbnail derivation failed")
	}
	return nil
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/derive"
	"github.com/vigilcam/vigil/ingest"
	"github.com/vigilcam/vigil/playback"
	"github.com/vigilcam/vigil/storage"
)

// maxListPageSize listing page size ceiling
const maxListPageSize = 200

// RecordingAPIHandler REST API interface to the recording engine
type RecordingAPIHandler struct {
	goutils.RestAPIHandler
	validate *validator.Validate
	dbClient db.PersistenceManager
	writer   ingest.Writer
	streamer playback.Streamer
	deriver  derive.Deriver
	layout   storage.Layout
}

/*
NewRecordingAPIHandler define a new recording REST API handler

	@param dbClient db.PersistenceManager - metadata store client
	@param writer ingest.Writer - upload ingest pipeline
	@param streamer playback.Streamer - playback streamer
	@param deriver derive.Deriver - artifact deriver
	@param layout storage.Layout - artifact storage
	@param logConfig common.HTTPRequestLogging - handler log settings
	@returns new RecordingAPIHandler
*/
func NewRecordingAPIHandler(
	dbClient db.PersistenceManager,
	writer ingest.Writer,
	streamer playback.Streamer,
	deriver derive.Deriver,
	layout storage.Layout,
	logConfig common.HTTPRequestLogging,
) (RecordingAPIHandler, error) {
	return RecordingAPIHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: log.Fields{"module": "api", "component": "recording-handler"},
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &logConfig.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range logConfig.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
			LogLevel: logConfig.LogLevel,
		},
		validate: validator.New(),
		dbClient: dbClient,
		writer:   writer,
		streamer: streamer,
		deriver:  deriver,
		layout:   layout,
	}, nil
}

// errorResponse translate a core error into the standard error payload
func (h RecordingAPIHandler) errorResponse(
	r *http.Request, err error, msg string,
) (int, interface{}) {
	status := statusOf(err)
	return status, h.GetStdRESTErrorMsg(r.Context(), status, msg, err.Error())
}

// requireRole verify the caller identity and role floor. Returns the
// identity, or writes nothing and reports the refusal for the caller to
// emit.
func (h RecordingAPIHandler) requireRole(
	r *http.Request, minimum Role,
) (Identity, int, interface{}) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return identity, http.StatusUnauthorized, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, "missing gateway identity", "missing gateway identity",
		)
	}
	if !identity.Role.AtLeast(minimum) {
		msg := fmt.Sprintf("requires '%s' role", minimum)
		return identity, http.StatusForbidden, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusForbidden, msg, msg,
		)
	}
	return identity, 0, nil
}

// fetchRecording load a recording owned by the caller's tenant
func (h RecordingAPIHandler) fetchRecording(
	r *http.Request, identity Identity,
) (common.Recording, error) {
	vars := mux.Vars(r)
	recordingID, ok := vars["recordingID"]
	if !ok {
		return common.Recording{}, common.NewError(common.ErrCodeBadRequest, "no recording ID provided")
	}
	entry, err := h.dbClient.GetRecording(r.Context(), recordingID)
	if err != nil {
		return common.Recording{}, err
	}
	// Cross tenant reads look like missing rows
	if entry.TenantID != identity.TenantID {
		return common.Recording{}, common.NewError(
			common.ErrCodeRecordingNotFound, fmt.Sprintf("recording '%s' is unknown", recordingID),
		)
	}
	return entry, nil
}

// ====================================================================================
// Upload

// RecordingUploadResponse response of a successful upload
type RecordingUploadResponse struct {
	goutils.RestAPIBaseResponse
	// Result the upload outcome
	Result ingest.UploadResult `json:"result" validate:"required,dive"`
}

// UploadRecording godoc
// @Summary Upload a recording
// @Description Ingest one recording artifact as a multipart upload. Metadata
// fields must precede the file part.
// @tags ingest
// @Accept multipart/form-data
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param file formData file true "Recording payload"
// @Success 200 {object} RecordingUploadResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 507 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/upload [post]
func (h RecordingAPIHandler) UploadRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleOperator)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		msg := "upload is not a multipart request"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	request := ingest.UploadRequest{
		TenantID: identity.TenantID,
		Subject:  identity.Subject,
		Format:   "mp4",
	}

	// Metadata fields arrive before the file part
	var result ingest.UploadResult
	ingested := false
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			msg := "multipart parse failure"
			log.WithError(err).WithFields(logTags).Error(msg)
			respCode = http.StatusBadRequest
			response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}

		if part.FormName() == "file" {
			if request.FilenameHint == "" {
				request.FilenameHint = part.FileName()
			}
			result, err = h.writer.Ingest(r.Context(), request, part)
			_ = part.Close()
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Upload ingest failed")
				respCode, response = h.errorResponse(r, err, "upload ingest failed")
				return
			}
			ingested = true
			break
		}

		value, readErr := io.ReadAll(io.LimitReader(part, 4096))
		_ = part.Close()
		if readErr != nil {
			msg := "multipart field read failure"
			log.WithError(readErr).WithFields(logTags).Error(msg)
			respCode = http.StatusBadRequest
			response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, readErr.Error())
			return
		}
		if err := applyUploadField(&request, part.FormName(), string(value)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Bad upload field")
			respCode, response = h.errorResponse(r, err, "bad upload field")
			return
		}
	}

	if !ingested {
		msg := "upload carried no file part"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	respCode = http.StatusOK
	response = RecordingUploadResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Result: result,
	}
}

// applyUploadField map one multipart form field onto the upload request
func applyUploadField(request *ingest.UploadRequest, name, value string) error {
	switch name {
	case "camera_id":
		request.ChannelID = &value
	case "start_time":
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return common.WrapError(common.ErrCodeBadRequest, "start_time is not RFC3339", err)
		}
		request.StartTime = &parsed
	case "duration":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return common.NewError(common.ErrCodeBadRequest, "duration is not a non-negative integer")
		}
		request.DurationSec = parsed
	case "motion_detected":
		request.MotionDetected = value == "true" || value == "1"
	case "format":
		request.Format = value
	case "filename":
		request.FilenameHint = value
	case "recording_type":
		request.Type = common.RecordingType(value)
	default:
		// Unknown fields are ignored
	}
	return nil
}

// UploadRecordingHandler Wrapper around UploadRecording
func (h RecordingAPIHandler) UploadRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UploadRecording(w, r)
	}
}

// ====================================================================================
// Listing and fetch

// RecordingListResponse response containing a page of recordings
type RecordingListResponse struct {
	goutils.RestAPIBaseResponse
	// Recordings the page of recordings
	Recordings []common.Recording `json:"recordings"`
	// Total total rows matching the filter
	Total int64 `json:"total"`
	// Page requested page index, starting at one
	Page int `json:"page"`
	// PageSize requested page size
	PageSize int `json:"page_size"`
}

// ListRecordings godoc
// @Summary List recordings
// @Description List the caller tenant's recordings with optional filters.
// @tags query
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param camera_id query string false "Filter on source camera"
// @Param start_date query string false "RFC3339 window start"
// @Param end_date query string false "RFC3339 window end"
// @Param page query int false "Page index, starting at 1"
// @Param page_size query int false "Page size, max 200"
// @Param sort_by query string false "created_at, filename, or file_size"
// @Param sort_dir query string false "asc or desc"
// @Success 200 {object} RecordingListResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings [get]
func (h RecordingAPIHandler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	filter, page, err := parseListFilter(r, identity.TenantID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Bad listing filter")
		respCode, response = h.errorResponse(r, err, "bad listing filter")
		return
	}

	entries, total, err := h.dbClient.ListRecordings(r.Context(), filter)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording listing failed")
		respCode, response = h.errorResponse(r, err, "recording listing failed")
		return
	}

	respCode = http.StatusOK
	response = RecordingListResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Recordings:          entries,
		Total:               total,
		Page:                page,
		PageSize:            filter.Limit,
	}
}

// parseListFilter build the listing filter from query parameters
func parseListFilter(r *http.Request, tenantID string) (common.RecordingListFilter, int, error) {
	query := r.URL.Query()

	filter := common.RecordingListFilter{TenantID: &tenantID, Limit: 50}

	if value := query.Get("camera_id"); value != "" {
		filter.ChannelID = &value
	}
	if value := query.Get("start_date"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filter, 0, common.WrapError(common.ErrCodeBadRequest, "start_date is not RFC3339", err)
		}
		filter.CreatedAfter = &parsed
	}
	if value := query.Get("end_date"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filter, 0, common.WrapError(common.ErrCodeBadRequest, "end_date is not RFC3339", err)
		}
		filter.CreatedBefore = &parsed
	}
	if value := query.Get("sort_by"); value != "" {
		filter.SortBy = value
	}
	if value := query.Get("sort_dir"); value != "" {
		filter.SortDesc = value == "desc"
	}
	if value := query.Get("include_deleted"); value == "true" {
		filter.IncludeDeleted = true
	}

	page := 1
	if value := query.Get("page"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			return filter, 0, common.NewError(common.ErrCodeBadRequest, "page is not a positive integer")
		}
		page = parsed
	}
	if value := query.Get("page_size"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 || parsed > maxListPageSize {
			return filter, 0, common.NewError(
				common.ErrCodeBadRequest,
				fmt.Sprintf("page_size must sit between 1 and %d", maxListPageSize),
			)
		}
		filter.Limit = parsed
	}
	filter.Offset = (page - 1) * filter.Limit

	return filter, page, nil
}

// ListRecordingsHandler Wrapper around ListRecordings
func (h RecordingAPIHandler) ListRecordingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListRecordings(w, r)
	}
}

// ------------------------------------------------------------------------------------

// RecordingInfoResponse response containing one recording
type RecordingInfoResponse struct {
	goutils.RestAPIBaseResponse
	// Recording the recording info
	Recording common.Recording `json:"recording" validate:"required,dive"`
}

// GetRecording godoc
// @Summary Fetch one recording
// @Description Fetch the metadata of one recording by ID.
// @tags query
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} RecordingInfoResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID} [get]
func (h RecordingAPIHandler) GetRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	respCode = http.StatusOK
	response = RecordingInfoResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Recording: entry,
	}
}

// GetRecordingHandler Wrapper around GetRecording
func (h RecordingAPIHandler) GetRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRecording(w, r)
	}
}

// ====================================================================================
// Download and streaming

// DownloadRecording godoc
// @Summary Download a recording artifact
// @Description Download the complete artifact as an attachment. Encrypted
// artifacts decrypt in flight when a key is loaded, otherwise the ciphertext
// returns verbatim.
// @tags playback
// @Produce octet-stream
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} []byte "artifact bytes"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/download [get]
func (h RecordingAPIHandler) DownloadRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	content, err := h.streamer.Download(r.Context(), entry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording download failed")
		respCode, response = h.errorResponse(r, err, "recording download failed")
		return
	}
	defer func() { _ = content.Reader.Close() }()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.ContentLength, 10))
	w.Header().Set(
		"Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, content.Filename),
	)
	if _, err := io.Copy(w, content.Reader); err != nil {
		log.WithError(err).WithFields(logTags).Error("Write response failure")
	}
}

// DownloadRecordingHandler Wrapper around DownloadRecording
func (h RecordingAPIHandler) DownloadRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DownloadRecording(w, r)
	}
}

// ------------------------------------------------------------------------------------

// StreamRecording godoc
// @Summary Stream a recording artifact
// @Description Stream the artifact for inline playback with single range
// support. Monolithic ciphertext refuses ranged reads.
// @tags playback
// @Produce octet-stream
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Param Range header string false "HTTP byte range"
// @Success 200 {object} []byte "artifact bytes"
// @Success 206 {object} []byte "artifact byte range"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 416 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/stream [get]
func (h RecordingAPIHandler) StreamRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	rangeHeader := r.Header.Get("Range")
	content, err := h.streamer.Stream(r.Context(), entry, rangeHeader)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording stream failed")
		respCode, response = h.errorResponse(r, err, "recording stream failed")
		return
	}
	defer func() { _ = content.Reader.Close() }()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(content.End-content.Start+1, 10))
	if rangeHeader != "" {
		w.Header().Set(
			"Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", content.Start, content.End, content.Total),
		)
		w.WriteHeader(http.StatusPartialContent)
	}
	if _, err := io.Copy(w, content.Reader); err != nil {
		log.WithError(err).WithFields(logTags).Error("Write response failure")
	}
}

// StreamRecordingHandler Wrapper around StreamRecording
func (h RecordingAPIHandler) StreamRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamRecording(w, r)
	}
}

// ------------------------------------------------------------------------------------

// GetThumbnail godoc
// @Summary Fetch a recording thumbnail
// @Description Fetch the preview JPEG, deriving it on demand when missing.
// @tags playback
// @Produce jpeg
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} []byte "JPEG bytes"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/thumbnail [get]
func (h RecordingAPIHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	thumbnailPath := h.layout.ThumbnailPath(entry.ID)
	if _, statErr := os.Stat(thumbnailPath); statErr != nil {
		thumbnailPath, err = h.deriver.GenerateThumbnail(r.Context(), entry)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Thumbnail derivation failed")
			respCode, response = h.errorResponse(r, err, "thumbnail derivation failed")
			return
		}
	}

	content, err := os.ReadFile(thumbnailPath)
	if err != nil {
		msg := "thumbnail read failed"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusInternalServerError
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if _, err := w.Write(content); err != nil {
		log.WithError(err).WithFields(logTags).Error("Write response failure")
	}
}

// GetThumbnailHandler Wrapper around GetThumbnail
func (h RecordingAPIHandler) GetThumbnailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetThumbnail(w, r)
	}
}

// ====================================================================================
// HLS derivation and hosting

// HLSGenerateResponse response of an HLS derivation request
type HLSGenerateResponse struct {
	goutils.RestAPIBaseResponse
	// PlaylistURL relative URL of the derived playlist
	PlaylistURL string `json:"playlist_url" validate:"required"`
}

// GenerateHLS godoc
// @Summary Derive an HLS tree for a recording
// @Description Transcode the artifact into an on-demand HLS tree. Repeated
// calls return the existing tree.
// @tags playback
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} HLSGenerateResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/hls [post]
func (h RecordingAPIHandler) GenerateHLS(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	playlistPath, err := h.deriver.GenerateHLS(r.Context(), entry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("HLS derivation failed")
		respCode, response = h.errorResponse(r, err, "HLS derivation failed")
		return
	}

	respCode = http.StatusOK
	response = HLSGenerateResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		PlaylistURL: fmt.Sprintf(
			"/v1/recordings/%s/hls/%s", entry.ID, strings.TrimPrefix(
				playlistPath, h.layout.HLSDir(entry.ID)+"/",
			),
		),
	}
}

// GenerateHLSHandler Wrapper around GenerateHLS
func (h RecordingAPIHandler) GenerateHLSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GenerateHLS(w, r)
	}
}

// ------------------------------------------------------------------------------------

// GetHLSFile godoc
// @Summary Fetch one HLS asset of a recording
// @Description Fetch the derived playlist or one MPEG-TS segment.
// @tags playback
// @Produce plain
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Param fileName path string true "Target file name"
// @Success 200 {object} []byte "HLS m3u8 playlist / MPEG-TS"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/hls/{fileName} [get]
func (h RecordingAPIHandler) GetHLSFile(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleViewer)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	fileName, ok := mux.Vars(r)["fileName"]
	if !ok {
		msg := "no target file provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	content, err := h.streamer.ServeHLS(r.Context(), entry.ID, fileName)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("HLS asset fetch failed")
		respCode, response = h.errorResponse(r, err, "HLS asset fetch failed")
		return
	}
	defer func() { _ = content.Reader.Close() }()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.ContentLength, 10))
	if _, err := io.Copy(w, content.Reader); err != nil {
		log.WithError(err).WithFields(logTags).Error("Write response failure")
	}
}

// GetHLSFileHandler Wrapper around GetHLSFile
func (h RecordingAPIHandler) GetHLSFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetHLSFile(w, r)
	}
}

// ====================================================================================
// Deletion, restore, retention, legal holds

// DeleteRecording godoc
// @Summary Soft delete a recording
// @Description Mark the recording deleted. Rows under legal hold refuse with
// a conflict.
// @tags lifecycle
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID} [delete]
func (h RecordingAPIHandler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleOperator)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	if err := h.dbClient.SoftDeleteRecording(
		r.Context(), entry.ID, common.DeletionReasonManual, identity.Subject,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording deletion failed")
		respCode, response = h.errorResponse(r, err, "recording deletion failed")
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteRecordingHandler Wrapper around DeleteRecording
func (h RecordingAPIHandler) DeleteRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteRecording(w, r)
	}
}

// ------------------------------------------------------------------------------------

// RestoreRecording godoc
// @Summary Restore a soft deleted recording
// @Description Cancel a soft delete before the artifact is reclaimed.
// @tags lifecycle
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/restore [post]
func (h RecordingAPIHandler) RestoreRecording(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleOperator)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	if err := h.dbClient.RestoreRecording(r.Context(), entry.ID, identity.Subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording restore failed")
		respCode, response = h.errorResponse(r, err, "recording restore failed")
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// RestoreRecordingHandler Wrapper around RestoreRecording
func (h RecordingAPIHandler) RestoreRecordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RestoreRecording(w, r)
	}
}

// ------------------------------------------------------------------------------------

// ManualRetentionRequest parameters of a manual retention override
type ManualRetentionRequest struct {
	// RetainUntil keep the recording at least until this instant, null to
	// clear the override
	RetainUntil *time.Time `json:"retain_until"`
	// Reason operator justification
	Reason *string `json:"reason,omitempty"`
}

// SetManualRetention godoc
// @Summary Place or clear a manual retention override
// @Description While the override sits in the future the retention scheduler
// leaves the recording alone.
// @tags lifecycle
// @Accept json
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Param param body ManualRetentionRequest true "Override parameters"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/retention [put]
func (h RecordingAPIHandler) SetManualRetention(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleOperator)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	var params ManualRetentionRequest
	if r.Body == nil {
		msg := "no override parameters provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "unable to parse override parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.dbClient.SetManualRetention(
		r.Context(), entry.ID, params.RetainUntil, params.Reason, identity.Subject,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Manual retention update failed")
		respCode, response = h.errorResponse(r, err, "manual retention update failed")
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// SetManualRetentionHandler Wrapper around SetManualRetention
func (h RecordingAPIHandler) SetManualRetentionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SetManualRetention(w, r)
	}
}

// ------------------------------------------------------------------------------------

// LegalHoldRequest parameters to place a legal hold
type LegalHoldRequest struct {
	// CaseNumber legal case number
	CaseNumber string `json:"case_number" validate:"required"`
	// CaseName legal case name
	CaseName string `json:"case_name,omitempty"`
	// Description optional hold description
	Description *string `json:"description,omitempty"`
	// HoldEnd when the hold lapses, null for indefinite
	HoldEnd *time.Time `json:"hold_end,omitempty"`
	// AttorneyName responsible attorney contact
	AttorneyName *string `json:"attorney_name,omitempty"`
	// AttorneyEmail responsible attorney contact
	AttorneyEmail *string `json:"attorney_email,omitempty" validate:"omitempty,email"`
}

// LegalHoldResponse response of a hold placement
type LegalHoldResponse struct {
	goutils.RestAPIBaseResponse
	// HoldID new hold entry ID
	HoldID string `json:"hold_id" validate:"required"`
}

// PlaceLegalHold godoc
// @Summary Place a legal hold on a recording
// @Description While any active hold remains, no deletion path may remove
// the recording.
// @tags lifecycle
// @Accept json
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Param param body LegalHoldRequest true "Hold parameters"
// @Success 200 {object} LegalHoldResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/legal-hold [post]
func (h RecordingAPIHandler) PlaceLegalHold(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleAdmin)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	entry, err := h.fetchRecording(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	var params LegalHoldRequest
	if r.Body == nil {
		msg := "no hold parameters provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "unable to parse hold parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "missing required hold parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	holdID, err := h.dbClient.CreateLegalHold(r.Context(), common.LegalHold{
		RecordingID:   entry.ID,
		TenantID:      identity.TenantID,
		CaseNumber:    params.CaseNumber,
		CaseName:      params.CaseName,
		Description:   params.Description,
		HoldStart:     time.Now().UTC(),
		HoldEnd:       params.HoldEnd,
		Active:        true,
		AttorneyName:  params.AttorneyName,
		AttorneyEmail: params.AttorneyEmail,
		CreatedBy:     identity.Subject,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Legal hold placement failed")
		respCode, response = h.errorResponse(r, err, "legal hold placement failed")
		return
	}

	respCode = http.StatusOK
	response = LegalHoldResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), HoldID: holdID,
	}
}

// PlaceLegalHoldHandler Wrapper around PlaceLegalHold
func (h RecordingAPIHandler) PlaceLegalHoldHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PlaceLegalHold(w, r)
	}
}

// ------------------------------------------------------------------------------------

// ReleaseLegalHold godoc
// @Summary Release a legal hold
// @Description Lift one hold. The recording becomes deletable only once no
// active hold remains.
// @tags lifecycle
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param recordingID path string true "Recording ID"
// @Param holdID path string true "Hold entry ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/recordings/{recordingID}/legal-hold/{holdID} [delete]
func (h RecordingAPIHandler) ReleaseLegalHold(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	identity, refuseCode, refusal := h.requireRole(r, RoleAdmin)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	if _, err := h.fetchRecording(r, identity); err != nil {
		log.WithError(err).WithFields(logTags).Error("Recording lookup failed")
		respCode, response = h.errorResponse(r, err, "recording lookup failed")
		return
	}

	holdID, ok := mux.Vars(r)["holdID"]
	if !ok {
		msg := "no hold ID provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.dbClient.ReleaseLegalHold(r.Context(), holdID, identity.Subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Legal hold release failed")
		respCode, response = h.errorResponse(r, err, "legal hold release failed")
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// ReleaseLegalHoldHandler Wrapper around ReleaseLegalHold
func (h RecordingAPIHandler) ReleaseLegalHoldHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReleaseLegalHold(w, r)
	}
}

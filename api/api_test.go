package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/api"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/derive"
	"github.com/vigilcam/vigil/ingest"
	"github.com/vigilcam/vigil/playback"
	"github.com/vigilcam/vigil/retention"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"github.com/vigilcam/vigil/vault"
	"gorm.io/gorm/logger"
)

// eventRecorder broadcaster double collecting events
type eventRecorder struct {
	lock   sync.Mutex
	events []utils.Event
}

func (r *eventRecorder) Broadcast(ctxt context.Context, event utils.Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
	return nil
}

type apiTestEnv struct {
	handler  http.Handler
	dbClient db.PersistenceManager
	writer   ingest.Writer
	tenantID string
}

// setupAPITest build the full recorder API server around real components and
// a sqlite metadata store. Encryption stays disabled.
func setupAPITest(t *testing.T) apiTestEnv {
	utCtxt := context.Background()

	root := t.TempDir()
	layout, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: root},
		utils.NewDiskMonitor(root, 1),
	)
	assert.Nil(t, err)

	artifactVault, err := vault.NewVault(nil)
	assert.Nil(t, err)

	dbClient, err := db.NewManager(
		db.GetSqliteDialector(fmt.Sprintf("/tmp/ut-%s.db", uuid.NewString())), logger.Error,
	)
	assert.Nil(t, err)

	tenantID := uuid.NewString()
	assert.Nil(t, dbClient.RecordTenant(utCtxt, common.Tenant{
		ID: tenantID, Name: "ut-tenant", Plan: common.PlanStarter,
	}))

	transcoderConfig := common.TranscoderConfig{
		Path:               "/bin/false",
		ProbePath:          "/bin/false",
		SegmentLengthInSec: 4,
		HLSGenTimeoutInMin: 1,
	}
	deriver, err := derive.NewDeriver(layout, artifactVault, transcoderConfig)
	assert.Nil(t, err)

	writer, err := ingest.NewWriter(
		utCtxt, layout, artifactVault, dbClient, deriver, common.IngestConfig{
			MaxUploadBytes:             16 << 20,
			ChunkEncryptThresholdBytes: 8 << 20,
			UploadTimeoutInMin:         1,
			ThumbnailWorkerCount:       1,
		},
	)
	assert.Nil(t, err)
	t.Cleanup(func() { assert.Nil(t, writer.Stop(utCtxt)) })

	chunkCache, err := utils.NewLocalPayloadCache(utCtxt, time.Minute)
	assert.Nil(t, err)
	streamer, err := playback.NewStreamer(layout, artifactVault, chunkCache, time.Minute)
	assert.Nil(t, err)

	scheduler, err := retention.NewScheduler(
		utCtxt, dbClient, layout, nil, &eventRecorder{}, common.RetentionConfig{
			SweepIntervalInSec:   3600,
			GraceInHours:         0,
			DefaultRetentionDays: 30,
			BatchTimeoutInMin:    5,
		},
	)
	assert.Nil(t, err)

	srv, err := api.BuildRecorderAPIServer(
		common.APIServerConfig{
			Enabled: true,
			Server: common.HTTPServerConfig{
				ListenOn: "127.0.0.1",
				Port:     8080,
				Timeouts: common.HTTPServerTimeoutConfig{
					ReadTimeout: 60, WriteTimeout: 60, IdleTimeout: 60,
				},
			},
			APIs: common.APIConfig{
				Endpoint: common.EndpointConfig{PathPrefix: "/"},
				RequestLogging: common.HTTPRequestLogging{
					LogLevel:        "warn",
					HealthLogLevel:  "debug",
					RequestIDHeader: "X-Request-ID",
					DoNotLogHeaders: []string{},
				},
			},
		},
		dbClient, writer, streamer, deriver, layout, nil, scheduler,
	)
	assert.Nil(t, err)

	return apiTestEnv{
		handler: srv.Handler, dbClient: dbClient, writer: writer, tenantID: tenantID,
	}
}

// withIdentity install the gateway identity headers
func withIdentity(req *http.Request, tenantID, subject, role string) {
	req.Header.Set("X-Subject", subject)
	req.Header.Set("X-Tenant", tenantID)
	req.Header.Set("X-Role", role)
}

// buildUpload assemble a multipart upload body
func buildUpload(t *testing.T, fields map[string]string, filename string, payload []byte) (
	*bytes.Buffer, string,
) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		assert.Nil(t, writer.WriteField(name, value))
	}
	part, err := writer.CreateFormFile("file", filename)
	assert.Nil(t, err)
	_, err = part.Write(payload)
	assert.Nil(t, err)
	assert.Nil(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestAPIAuthRequired(t *testing.T) {
	assert := assert.New(t)

	env := setupAPITest(t)

	// Health endpoints stay open
	for _, path := range []string{"/v1/alive", "/v1/ready"} {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code, path)
	}

	// Missing identity
	{
		req, err := http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Unknown role
	{
		req, err := http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-user", "superuser")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Complete identity
	{
		req, err := http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-user", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}

func TestAPIUploadListFetchDownload(t *testing.T) {
	assert := assert.New(t)

	env := setupAPITest(t)
	payload := bytes.Repeat([]byte("frame data "), 512)

	// Upload needs at least operator
	{
		body, contentType := buildUpload(t, map[string]string{"format": "mp4"}, "clip.mp4", payload)
		req, err := http.NewRequest("POST", "/v1/recordings/upload", body)
		assert.Nil(err)
		req.Header.Set("Content-Type", contentType)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusForbidden, respRecorder.Code)
	}

	// Valid upload
	var recordingID string
	{
		startTime := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
		body, contentType := buildUpload(t, map[string]string{
			"format":     "mp4",
			"start_time": startTime,
			"duration":   "42",
		}, "clip.mp4", payload)
		req, err := http.NewRequest("POST", "/v1/recordings/upload", body)
		assert.Nil(err)
		req.Header.Set("Content-Type", contentType)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		var resp api.RecordingUploadResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.NotEmpty(resp.Result.RecordingID)
		assert.Equal(int64(len(payload)), resp.Result.FileSize)
		assert.Equal(common.EncryptionModeNone, resp.Result.Encryption)
		recordingID = resp.Result.RecordingID
	}

	// Listing is tenant scoped
	{
		req, err := http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		var resp api.RecordingListResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(int64(1), resp.Total)
		assert.Len(resp.Recordings, 1)
		assert.Equal(recordingID, resp.Recordings[0].ID)

		// Another tenant sees nothing
		req, err = http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		withIdentity(req, uuid.NewString(), "ut-viewer", "viewer")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(int64(0), resp.Total)
	}

	// Fetch one
	{
		req, err := http.NewRequest("GET", fmt.Sprintf("/v1/recordings/%s", recordingID), nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		var resp api.RecordingInfoResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(recordingID, resp.Recording.ID)

		// Cross tenant fetch looks like a missing row
		req, err = http.NewRequest("GET", fmt.Sprintf("/v1/recordings/%s", recordingID), nil)
		assert.Nil(err)
		withIdentity(req, uuid.NewString(), "ut-viewer", "viewer")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNotFound, respRecorder.Code)
	}

	// Download returns the artifact verbatim
	{
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/recordings/%s/download", recordingID), nil,
		)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal("video/mp4", respRecorder.Header().Get("Content-Type"))
		recovered, err := io.ReadAll(respRecorder.Body)
		assert.Nil(err)
		assert.Equal(payload, recovered)
	}

	// Ranged stream
	{
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/recordings/%s/stream", recordingID), nil,
		)
		assert.Nil(err)
		req.Header.Set("Range", "bytes=0-10")
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusPartialContent, respRecorder.Code)
		assert.Equal(
			fmt.Sprintf("bytes 0-10/%d", len(payload)),
			respRecorder.Header().Get("Content-Range"),
		)
		recovered, err := io.ReadAll(respRecorder.Body)
		assert.Nil(err)
		assert.Equal(payload[:11], recovered)
	}
}

func TestAPIRecordingLifecycle(t *testing.T) {
	assert := assert.New(t)

	env := setupAPITest(t)
	payload := []byte("lifecycle probe payload")

	body, contentType := buildUpload(t, map[string]string{"format": "mp4"}, "clip.mp4", payload)
	req, err := http.NewRequest("POST", "/v1/recordings/upload", body)
	assert.Nil(err)
	req.Header.Set("Content-Type", contentType)
	withIdentity(req, env.tenantID, "ut-operator", "operator")
	respRecorder := httptest.NewRecorder()
	env.handler.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	var uploaded api.RecordingUploadResponse
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &uploaded))
	recordingID := uploaded.Result.RecordingID

	// Deletion needs at least operator
	{
		req, err := http.NewRequest("DELETE", fmt.Sprintf("/v1/recordings/%s", recordingID), nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusForbidden, respRecorder.Code)
	}

	// A legal hold blocks deletion
	var holdID string
	{
		holdParams, err := json.Marshal(api.LegalHoldRequest{CaseNumber: "case-88"})
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST",
			fmt.Sprintf("/v1/recordings/%s/legal-hold", recordingID),
			bytes.NewBuffer(holdParams),
		)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-counsel", "admin")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp api.LegalHoldResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		holdID = resp.HoldID

		req, err = http.NewRequest("DELETE", fmt.Sprintf("/v1/recordings/%s", recordingID), nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusConflict, respRecorder.Code)
	}

	// Hold placement is admin only
	{
		holdParams, err := json.Marshal(api.LegalHoldRequest{CaseNumber: "case-89"})
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST",
			fmt.Sprintf("/v1/recordings/%s/legal-hold", recordingID),
			bytes.NewBuffer(holdParams),
		)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusForbidden, respRecorder.Code)
	}

	// Release the hold, then deletion succeeds
	{
		req, err := http.NewRequest(
			"DELETE", fmt.Sprintf("/v1/recordings/%s/legal-hold/%s", recordingID, holdID), nil,
		)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-counsel", "admin")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		req, err = http.NewRequest("DELETE", fmt.Sprintf("/v1/recordings/%s", recordingID), nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Soft deleted rows drop out of default listings
	{
		req, err := http.NewRequest("GET", "/v1/recordings", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		var resp api.RecordingListResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(int64(0), resp.Total)

		req, err = http.NewRequest("GET", "/v1/recordings?include_deleted=true", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(int64(1), resp.Total)
	}

	// Restore brings the recording back
	{
		req, err := http.NewRequest(
			"POST", fmt.Sprintf("/v1/recordings/%s/restore", recordingID), nil,
		)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		entry, err := env.dbClient.GetRecording(context.Background(), recordingID)
		assert.Nil(err)
		assert.Nil(entry.SoftDeletedAt)
	}
}

func TestAPIRetentionEndpoints(t *testing.T) {
	assert := assert.New(t)

	env := setupAPITest(t)

	// Cleanup is admin only
	{
		req, err := http.NewRequest("POST", "/v1/retention/cleanup?dry_run=true", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusForbidden, respRecorder.Code)
	}

	// Dry run sweep
	{
		req, err := http.NewRequest("POST", "/v1/retention/cleanup?dry_run=true", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-admin", "admin")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp api.RetentionSweepResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Report.DryRun)
	}

	// Bad days parameter
	{
		req, err := http.NewRequest("POST", "/v1/retention/cleanup?days=zero", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-admin", "admin")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Policy upsert and stats
	{
		policyParams, err := json.Marshal(api.RetentionPolicyRequest{
			Type: common.RecordingTypeMotion, RetentionDays: 14, AutoDelete: true,
		})
		assert.Nil(err)
		req, err := http.NewRequest("PUT", "/v1/retention/policies", bytes.NewBuffer(policyParams))
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-admin", "admin")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp api.RetentionPolicyResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.NotEmpty(resp.PolicyID)

		req, err = http.NewRequest("GET", "/v1/retention/stats", nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}

func TestAPIChannelEndpoints(t *testing.T) {
	assert := assert.New(t)

	env := setupAPITest(t)

	// Definition needs at least operator
	{
		params, err := json.Marshal(api.ChannelDefineRequest{
			DVRID: "dvr-0", Name: "front door", RTSPURL: "rtsp://127.0.0.1:8554/front",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/dvrs/channels", bytes.NewBuffer(params))
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusForbidden, respRecorder.Code)
	}

	// Define and fetch
	var channelID string
	{
		params, err := json.Marshal(api.ChannelDefineRequest{
			DVRID: "dvr-0", Name: "front door", RTSPURL: "rtsp://127.0.0.1:8554/front",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/dvrs/channels", bytes.NewBuffer(params))
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp api.ChannelDefineResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		channelID = resp.ChannelID

		req, err = http.NewRequest("GET", fmt.Sprintf("/v1/dvrs/channels/%s", channelID), nil)
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-viewer", "viewer")
		respRecorder = httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var info api.ChannelInfoResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &info))
		assert.Equal("front door", info.Channel.Name)
		assert.Equal(5, info.Channel.MotionSensitivity)
	}

	// Missing RTSP URL is refused
	{
		params, err := json.Marshal(api.ChannelDefineRequest{DVRID: "dvr-0", Name: "no url"})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/dvrs/channels", bytes.NewBuffer(params))
		assert.Nil(err)
		withIdentity(req, env.tenantID, "ut-operator", "operator")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Listing is tenant scoped
	{
		req, err := http.NewRequest("GET", "/v1/dvrs/channels", nil)
		assert.Nil(err)
		withIdentity(req, uuid.NewString(), "ut-viewer", "viewer")
		respRecorder := httptest.NewRecorder()
		env.handler.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp api.ChannelListResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Empty(resp.Channels)
	}
}

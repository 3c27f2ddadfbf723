package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/derive"
	"github.com/vigilcam/vigil/ingest"
	"github.com/vigilcam/vigil/playback"
	"github.com/vigilcam/vigil/retention"
	"github.com/vigilcam/vigil/rtsp"
	"github.com/vigilcam/vigil/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ====================================================================================
// Liveness and readiness

// LivenessHandler liveness and readiness REST API handler
type LivenessHandler struct {
	goutils.RestAPIHandler
	dbClient db.PersistenceManager
}

/*
NewLivenessHandler define a new liveness REST API handler

	@param dbClient db.PersistenceManager - metadata store client
	@param logConfig common.HTTPRequestLogging - handler log settings
	@returns new LivenessHandler
*/
func NewLivenessHandler(
	dbClient db.PersistenceManager, logConfig common.HTTPRequestLogging,
) (LivenessHandler, error) {
	return LivenessHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: log.Fields{"module": "api", "component": "liveness-handler"},
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
			LogLevel: logConfig.HealthLogLevel,
		},
		dbClient: dbClient,
	}, nil
}

// Alive godoc
// @Summary Recorder liveness check
// @Description Will return success to indicate the recorder node is live
// @tags util
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h LivenessHandler) Alive(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h LivenessHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary Recorder readiness check
// @Description Will return success once the metadata store is reachable
// @tags util
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h LivenessHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()
	if err := h.dbClient.Ready(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		response = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", err.Error(),
		)
	} else {
		respCode = http.StatusOK
		response = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h LivenessHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// ====================================================================================
// Recorder API Server

/*
BuildRecorderAPIServer create the recorder REST API server

	@param httpCfg common.APIServerConfig - HTTP server configuration
	@param dbClient db.PersistenceManager - metadata store client
	@param writer ingest.Writer - upload ingest pipeline
	@param streamer playback.Streamer - playback streamer
	@param deriver derive.Deriver - artifact deriver
	@param layout storage.Layout - artifact storage
	@param supervisor rtsp.Supervisor - RTSP ingest supervisor
	@param scheduler retention.Scheduler - retention scheduler
	@returns HTTP server instance
*/
func BuildRecorderAPIServer(
	httpCfg common.APIServerConfig,
	dbClient db.PersistenceManager,
	writer ingest.Writer,
	streamer playback.Streamer,
	deriver derive.Deriver,
	layout storage.Layout,
	supervisor rtsp.Supervisor,
	scheduler retention.Scheduler,
) (*http.Server, error) {
	livenessHandler, err := NewLivenessHandler(dbClient, httpCfg.APIs.RequestLogging)
	if err != nil {
		return nil, err
	}
	recordingHandler, err := NewRecordingAPIHandler(
		dbClient, writer, streamer, deriver, layout, httpCfg.APIs.RequestLogging,
	)
	if err != nil {
		return nil, err
	}
	retentionHandler, err := NewRetentionAPIHandler(
		dbClient, scheduler, httpCfg.APIs.RequestLogging,
	)
	if err != nil {
		return nil, err
	}
	channelHandler, err := NewChannelAPIHandler(dbClient, supervisor, httpCfg.APIs.RequestLogging)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := registerPathPrefix(router, httpCfg.APIs.Endpoint.PathPrefix, nil)
	v1Router := registerPathPrefix(mainRouter, "/v1", nil)

	// --------------------------------------------------------------------------------
	// Health check
	_ = registerPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": livenessHandler.AliveHandler(),
	})
	_ = registerPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": livenessHandler.ReadyHandler(),
	})

	// --------------------------------------------------------------------------------
	// Recordings
	recordingRouter := registerPathPrefix(v1Router, "/recordings", map[string]http.HandlerFunc{
		"get": recordingHandler.ListRecordingsHandler(),
	})

	_ = registerPathPrefix(recordingRouter, "/upload", map[string]http.HandlerFunc{
		"post": recordingHandler.UploadRecordingHandler(),
	})

	perRecordingRouter := registerPathPrefix(
		recordingRouter, "/{recordingID}", map[string]http.HandlerFunc{
			"get":    recordingHandler.GetRecordingHandler(),
			"delete": recordingHandler.DeleteRecordingHandler(),
		},
	)

	_ = registerPathPrefix(perRecordingRouter, "/download", map[string]http.HandlerFunc{
		"get": recordingHandler.DownloadRecordingHandler(),
	})

	_ = registerPathPrefix(perRecordingRouter, "/stream", map[string]http.HandlerFunc{
		"get": recordingHandler.StreamRecordingHandler(),
	})

	_ = registerPathPrefix(perRecordingRouter, "/thumbnail", map[string]http.HandlerFunc{
		"get": recordingHandler.GetThumbnailHandler(),
	})

	hlsRouter := registerPathPrefix(perRecordingRouter, "/hls", map[string]http.HandlerFunc{
		"post": recordingHandler.GenerateHLSHandler(),
	})

	_ = registerPathPrefix(hlsRouter, "/{fileName}", map[string]http.HandlerFunc{
		"get": recordingHandler.GetHLSFileHandler(),
	})

	_ = registerPathPrefix(perRecordingRouter, "/restore", map[string]http.HandlerFunc{
		"post": recordingHandler.RestoreRecordingHandler(),
	})

	_ = registerPathPrefix(perRecordingRouter, "/retention", map[string]http.HandlerFunc{
		"put": recordingHandler.SetManualRetentionHandler(),
	})

	legalHoldRouter := registerPathPrefix(
		perRecordingRouter, "/legal-hold", map[string]http.HandlerFunc{
			"post": recordingHandler.PlaceLegalHoldHandler(),
		},
	)

	_ = registerPathPrefix(legalHoldRouter, "/{holdID}", map[string]http.HandlerFunc{
		"delete": recordingHandler.ReleaseLegalHoldHandler(),
	})

	// --------------------------------------------------------------------------------
	// Retention
	retentionRouter := registerPathPrefix(v1Router, "/retention", nil)

	_ = registerPathPrefix(retentionRouter, "/cleanup", map[string]http.HandlerFunc{
		"post": retentionHandler.TriggerCleanupHandler(),
	})

	_ = registerPathPrefix(retentionRouter, "/stats", map[string]http.HandlerFunc{
		"get": retentionHandler.GetStatsHandler(),
	})

	_ = registerPathPrefix(retentionRouter, "/policies", map[string]http.HandlerFunc{
		"put": retentionHandler.UpsertPolicyHandler(),
	})

	_ = registerPathPrefix(retentionRouter, "/audit", map[string]http.HandlerFunc{
		"get": retentionHandler.GetAuditTrailHandler(),
	})

	// --------------------------------------------------------------------------------
	// Camera channels
	dvrRouter := registerPathPrefix(v1Router, "/dvrs", nil)
	channelRouter := registerPathPrefix(dvrRouter, "/channels", map[string]http.HandlerFunc{
		"post": channelHandler.DefineChannelHandler(),
		"get":  channelHandler.ListChannelsHandler(),
	})

	perChannelRouter := registerPathPrefix(
		channelRouter, "/{channelID}", map[string]http.HandlerFunc{
			"get": channelHandler.GetChannelHandler(),
		},
	)

	_ = registerPathPrefix(perChannelRouter, "/start-ingest", map[string]http.HandlerFunc{
		"post": channelHandler.StartIngestHandler(),
	})

	_ = registerPathPrefix(perChannelRouter, "/stop-ingest", map[string]http.HandlerFunc{
		"post": channelHandler.StopIngestHandler(),
	})

	_ = registerPathPrefix(perChannelRouter, "/status", map[string]http.HandlerFunc{
		"get": channelHandler.GetChannelStatusHandler(),
	})

	// --------------------------------------------------------------------------------
	// Middleware

	// Health endpoints stay open; everything else needs a gateway identity
	basePath := strings.TrimSuffix(httpCfg.APIs.Endpoint.PathPrefix, "/")
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case basePath + "/v1/alive", basePath + "/v1/ready":
				next.ServeHTTP(w, r)
			default:
				AuthMiddleware(next).ServeHTTP(w, r)
			}
		})
	})

	router.Use(func(next http.Handler) http.Handler {
		return livenessHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// --------------------------------------------------------------------------------
	// HTTP Server

	serverListen := fmt.Sprintf(
		"%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.Timeouts.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.Timeouts.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.Timeouts.IdleTimeout),
		Handler:      h2c.NewHandler(cors.AllowAll().Handler(router), &http2.Server{}),
	}

	return httpSrv, nil
}

// ====================================================================================
// Metrics Server

/*
BuildMetricsServer create the Prometheus metrics server

	@param config common.MetricsConfig - metrics server configuration
	@returns HTTP server instance
*/
func BuildMetricsServer(config common.MetricsConfig) (*http.Server, error) {
	router := mux.NewRouter()
	router.Path(config.MetricsEndpoint).Handler(promhttp.Handler())

	serverListen := fmt.Sprintf("%s:%d", config.Server.ListenOn, config.Server.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Server.Timeouts.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Server.Timeouts.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.Timeouts.IdleTimeout),
		Handler:      router,
	}

	return httpSrv, nil
}

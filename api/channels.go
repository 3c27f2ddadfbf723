package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/rtsp"
)

// ChannelAPIHandler REST API interface to camera channel management
type ChannelAPIHandler struct {
	goutils.RestAPIHandler
	validate   *validator.Validate
	dbClient   db.PersistenceManager
	supervisor rtsp.Supervisor
}

/*
NewChannelAPIHandler define a new channel REST API handler

	@param dbClient db.PersistenceManager - metadata store client
	@param supervisor rtsp.Supervisor - RTSP ingest supervisor
	@param logConfig common.HTTPRequestLogging - handler log settings
	@returns new ChannelAPIHandler
*/
func NewChannelAPIHandler(
	dbClient db.PersistenceManager,
	supervisor rtsp.Supervisor,
	logConfig common.HTTPRequestLogging,
) (ChannelAPIHandler, error) {
	return ChannelAPIHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: log.Fields{"module": "api", "component": "channel-handler"},
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
		validate:   validator.New(),
		dbClient:   dbClient,
		supervisor: supervisor,
	}, nil
}

// requireRole verify the caller identity and role floor
func (h ChannelAPIHandler) requireRole(
	r *http.Request, minimum Role,
) (Identity, int, interface{}) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return identity, http.StatusUnauthorized, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, "missing gateway identity", "missing gateway identity",
		)
	}
	if !identity.Role.AtLeast(minimum) {
		return identity, http.StatusForbidden, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusForbidden, "insufficient role", "insufficient role",
		)
	}
	return identity, 0, nil
}

// fetchChannel load a channel owned by the caller's tenant
func (h ChannelAPIHandler) fetchChannel(
	r *http.Request, identity Identity,
) (common.Channel, error) {
	channelID, ok := mux.Vars(r)["channelID"]
	if !ok {
		return common.Channel{}, common.NewError(common.ErrCodeBadRequest, "no channel ID provided")
	}
	entry, err := h.dbClient.GetChannel(r.Context(), channelID)
	if err != nil {
		return common.Channel{}, err
	}
	if entry.TenantID != identity.TenantID {
		return common.Channel{}, common.NewError(
			common.ErrCodeChannelNotFound, fmt.Sprintf("channel '%s' is unknown", channelID),
		)
	}
	return entry, nil
}

// ====================================================================================
// Channel CRUD

// ChannelDefineRequest parameters of a new camera channel
type ChannelDefineRequest struct {
	// DVRID owning DVR unit
	DVRID string `json:"dvr_id" validate:"required"`
	// Name display name
	Name string `json:"name" validate:"required"`
	// RTSPURL camera stream URL
	RTSPURL string `json:"rtsp_url" validate:"required,uri"`
	// MotionEnabled run the motion sampling loop for this channel
	MotionEnabled bool `json:"motion_enabled"`
	// MotionSensitivity 1 (least) to 10 (most)
	MotionSensitivity int `json:"motion_sensitivity" validate:"omitempty,gte=1,lte=10"`
}

// ChannelDefineResponse response of a channel definition
type ChannelDefineResponse struct {
	goutils.RestAPIBaseResponse
	// ChannelID new channel entry ID
	ChannelID string `json:"channel_id" validate:"required"`
}

// DefineChannel godoc
// @Summary Define a camera channel
// @Description Register one RTSP camera channel for supervised ingest.
// @tags channels
// @Accept json
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param param body ChannelDefineRequest true "Channel parameters"
// @Success 200 {object} ChannelDefineResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dvrs/channels [post]
func (h ChannelAPIHandler) DefineChannel(w http.ResponseWriter, r *http.Request) {
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

	var params ChannelDefineRequest
	if r.Body == nil {
		msg := "no channel parameters provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "unable to parse channel parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "invalid channel parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	sensitivity := params.MotionSensitivity
	if sensitivity == 0 {
		sensitivity = 5
	}
	channelID, err := h.dbClient.RecordChannel(r.Context(), common.Channel{
		DVRID:             params.DVRID,
		TenantID:          identity.TenantID,
		Name:              params.Name,
		RTSPURL:           params.RTSPURL,
		MotionEnabled:     params.MotionEnabled,
		MotionSensitivity: sensitivity,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel definition failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel definition failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = ChannelDefineResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), ChannelID: channelID,
	}
}

// DefineChannelHandler Wrapper around DefineChannel
func (h ChannelAPIHandler) DefineChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DefineChannel(w, r)
	}
}

// ------------------------------------------------------------------------------------

// ChannelListResponse response containing the caller tenant's channels
type ChannelListResponse struct {
	goutils.RestAPIBaseResponse
	// Channels the tenant's channels
	Channels []common.Channel `json:"channels"`
}

// ListChannels godoc
// @Summary List camera channels
// @Description List the caller tenant's camera channels.
// @tags channels
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Success 200 {object} ChannelListResponse "success"
// @Router /v1/dvrs/channels [get]
func (h ChannelAPIHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
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

	entries, err := h.dbClient.ListChannels(r.Context())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel listing failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel listing failed", err.Error())
		return
	}

	scoped := make([]common.Channel, 0, len(entries))
	for _, entry := range entries {
		if entry.TenantID == identity.TenantID {
			scoped = append(scoped, entry)
		}
	}

	respCode = http.StatusOK
	response = ChannelListResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Channels: scoped,
	}
}

// ListChannelsHandler Wrapper around ListChannels
func (h ChannelAPIHandler) ListChannelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListChannels(w, r)
	}
}

// ------------------------------------------------------------------------------------

// ChannelInfoResponse response containing one channel
type ChannelInfoResponse struct {
	goutils.RestAPIBaseResponse
	// Channel the channel info
	Channel common.Channel `json:"channel" validate:"required,dive"`
}

// GetChannel godoc
// @Summary Fetch one camera channel
// @Description Fetch the definition of one camera channel by ID.
// @tags channels
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param channelID path string true "Channel ID"
// @Success 200 {object} ChannelInfoResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dvrs/channels/{channelID} [get]
func (h ChannelAPIHandler) GetChannel(w http.ResponseWriter, r *http.Request) {
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

	entry, err := h.fetchChannel(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel lookup failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel lookup failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = ChannelInfoResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Channel: entry,
	}
}

// GetChannelHandler Wrapper around GetChannel
func (h ChannelAPIHandler) GetChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetChannel(w, r)
	}
}

// ====================================================================================
// Ingest control

// StartIngest godoc
// @Summary Start supervised ingest on a channel
// @Description Probe the camera and run a supervised transcoder against its
// RTSP stream. The active flag persists across restarts.
// @tags channels
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param channelID path string true "Channel ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dvrs/channels/{channelID}/start-ingest [post]
func (h ChannelAPIHandler) StartIngest(w http.ResponseWriter, r *http.Request) {
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

	entry, err := h.fetchChannel(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel lookup failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel lookup failed", err.Error())
		return
	}

	if err := h.supervisor.StartIngest(r.Context(), entry.ID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Ingest start failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "ingest start failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// StartIngestHandler Wrapper around StartIngest
func (h ChannelAPIHandler) StartIngestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StartIngest(w, r)
	}
}

// ------------------------------------------------------------------------------------

// StopIngest godoc
// @Summary Stop supervised ingest on a channel
// @Description Terminate the channel's transcoder and clear the active flag.
// @tags channels
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param channelID path string true "Channel ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dvrs/channels/{channelID}/stop-ingest [post]
func (h ChannelAPIHandler) StopIngest(w http.ResponseWriter, r *http.Request) {
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

	entry, err := h.fetchChannel(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel lookup failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel lookup failed", err.Error())
		return
	}

	if err := h.supervisor.StopIngest(r.Context(), entry.ID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Ingest stop failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "ingest stop failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = h.GetStdRESTSuccessMsg(r.Context())
}

// StopIngestHandler Wrapper around StopIngest
func (h ChannelAPIHandler) StopIngestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StopIngest(w, r)
	}
}

// ------------------------------------------------------------------------------------

// ChannelStatusResponse response containing a channel's runtime state
type ChannelStatusResponse struct {
	goutils.RestAPIBaseResponse
	// State runtime state reported by the ingest supervisor
	State rtsp.ChannelRuntimeState `json:"state"`
}

// GetChannelStatus godoc
// @Summary Fetch a channel's ingest status
// @Description Runtime state of the channel's supervised transcoder.
// @tags channels
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param channelID path string true "Channel ID"
// @Success 200 {object} ChannelStatusResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dvrs/channels/{channelID}/status [get]
func (h ChannelAPIHandler) GetChannelStatus(w http.ResponseWriter, r *http.Request) {
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

	entry, err := h.fetchChannel(r, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel lookup failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel lookup failed", err.Error())
		return
	}

	state, err := h.supervisor.GetChannelState(r.Context(), entry.ID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel state read failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "channel state read failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = ChannelStatusResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), State: state,
	}
}

// GetChannelStatusHandler Wrapper around GetChannelStatus
func (h ChannelAPIHandler) GetChannelStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetChannelStatus(w, r)
	}
}

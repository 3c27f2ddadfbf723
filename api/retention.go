package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/retention"
)

// RetentionAPIHandler REST API interface to the retention scheduler
type RetentionAPIHandler struct {
	goutils.RestAPIHandler
	validate  *validator.Validate
	dbClient  db.PersistenceManager
	scheduler retention.Scheduler
}

/*
NewRetentionAPIHandler define a new retention REST API handler

	@param dbClient db.PersistenceManager - metadata store client
	@param scheduler retention.Scheduler - retention scheduler
	@param logConfig common.HTTPRequestLogging - handler log settings
	@returns new RetentionAPIHandler
*/
func NewRetentionAPIHandler(
	dbClient db.PersistenceManager,
	scheduler retention.Scheduler,
	logConfig common.HTTPRequestLogging,
) (RetentionAPIHandler, error) {
	return RetentionAPIHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: log.Fields{"module": "api", "component": "retention-handler"},
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
		validate:  validator.New(),
		dbClient:  dbClient,
		scheduler: scheduler,
	}, nil
}

// requireRole verify the caller identity and role floor
func (h RetentionAPIHandler) requireRole(
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

// ====================================================================================
// Manual sweep

// RetentionSweepResponse response of a manual retention sweep
type RetentionSweepResponse struct {
	goutils.RestAPIBaseResponse
	// Report the sweep report
	Report retention.SweepReport `json:"report"`
}

// TriggerCleanup godoc
// @Summary Run a retention sweep now
// @Description Run one retention sweep immediately. With dry_run=true the
// sweep only reports what would be deleted. An optional days parameter
// replaces the resolved retention window for every recording.
// @tags retention
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param dry_run query bool false "Report only, change nothing"
// @Param days query int false "Override retention window in days"
// @Success 200 {object} RetentionSweepResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/retention/cleanup [post]
func (h RetentionAPIHandler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	_, refuseCode, refusal := h.requireRole(r, RoleAdmin)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	query := r.URL.Query()
	dryRun := query.Get("dry_run") == "true"

	var daysOverride *int
	if value := query.Get("days"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			msg := "days is not a positive integer"
			log.WithFields(logTags).Error(msg)
			respCode = http.StatusBadRequest
			response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		daysOverride = &parsed
	}

	report, err := h.scheduler.RunOnce(r.Context(), dryRun, daysOverride)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Retention sweep failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "retention sweep failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = RetentionSweepResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Report: report,
	}
}

// TriggerCleanupHandler Wrapper around TriggerCleanup
func (h RetentionAPIHandler) TriggerCleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.TriggerCleanup(w, r)
	}
}

// ------------------------------------------------------------------------------------

// RetentionStatsResponse response containing per tenant usage totals
type RetentionStatsResponse struct {
	goutils.RestAPIBaseResponse
	// Stats per tenant usage totals
	Stats []db.TenantRetentionStats `json:"stats"`
}

// GetStats godoc
// @Summary Fetch retention usage stats
// @Description Per tenant live and soft deleted recording counts and byte
// totals.
// @tags retention
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Success 200 {object} RetentionStatsResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/retention/stats [get]
func (h RetentionAPIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var response interface{}
	logTags := h.GetLogTagsForContext(r.Context())
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, response, nil); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
	}()

	_, refuseCode, refusal := h.requireRole(r, RoleOperator)
	if refusal != nil {
		respCode, response = refuseCode, refusal
		return
	}

	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Retention stats read failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "retention stats read failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = RetentionStatsResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Stats: stats,
	}
}

// GetStatsHandler Wrapper around GetStats
func (h RetentionAPIHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// ------------------------------------------------------------------------------------

// RetentionPolicyRequest parameters of a retention policy upsert
type RetentionPolicyRequest struct {
	// Type recording type the policy governs
	Type common.RecordingType `json:"recording_type" validate:"oneof=continuous motion scheduled emergency compliance"`
	// RetentionDays retention window in days, zero for unlimited
	RetentionDays int `json:"retention_days" validate:"gte=0"`
	// AutoDelete whether the scheduler may delete expired recordings
	AutoDelete bool `json:"auto_delete"`
	// ComplianceRequired archive artifacts before hard delete
	ComplianceRequired bool `json:"compliance_required"`
	// ComplianceStandard free text compliance standard tag
	ComplianceStandard *string `json:"compliance_standard,omitempty"`
}

// RetentionPolicyResponse response of a policy upsert
type RetentionPolicyResponse struct {
	goutils.RestAPIBaseResponse
	// PolicyID policy entry ID
	PolicyID string `json:"policy_id" validate:"required"`
}

// UpsertPolicy godoc
// @Summary Create or replace a retention policy
// @Description Install the active retention policy for one recording type of
// the caller's tenant. Policy rows win over the tenant's plan defaults.
// @tags retention
// @Accept json
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param param body RetentionPolicyRequest true "Policy parameters"
// @Success 200 {object} RetentionPolicyResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/retention/policies [put]
func (h RetentionAPIHandler) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
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

	var params RetentionPolicyRequest
	if r.Body == nil {
		msg := "no policy parameters provided"
		log.WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "unable to parse policy parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "invalid policy parameters"
		log.WithError(err).WithFields(logTags).Error(msg)
		respCode = http.StatusBadRequest
		response = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	policyID, err := h.dbClient.UpsertRetentionPolicy(r.Context(), common.RetentionPolicy{
		TenantID:           identity.TenantID,
		Type:               params.Type,
		RetentionDays:      params.RetentionDays,
		Active:             true,
		AutoDelete:         params.AutoDelete,
		ComplianceRequired: params.ComplianceRequired,
		ComplianceStandard: params.ComplianceStandard,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Policy upsert failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "policy upsert failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = RetentionPolicyResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), PolicyID: policyID,
	}
}

// UpsertPolicyHandler Wrapper around UpsertPolicy
func (h RetentionAPIHandler) UpsertPolicyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpsertPolicy(w, r)
	}
}

// ------------------------------------------------------------------------------------

// AuditTrailResponse response containing recent audit events
type AuditTrailResponse struct {
	goutils.RestAPIBaseResponse
	// Events recent audit events, newest first
	Events []common.AuditEvent `json:"events"`
}

// GetAuditTrail godoc
// @Summary Fetch recent audit events
// @Description Recent audit events of the caller's tenant, newest first.
// @tags retention
// @Produce json
// @Param X-Request-ID header string false "Request ID"
// @Param limit query int false "Result cap, default 100, max 500"
// @Success 200 {object} AuditTrailResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/retention/audit [get]
func (h RetentionAPIHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
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

	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		limit, _ = strconv.Atoi(value)
	}

	events, err := h.dbClient.ListAuditEvents(r.Context(), identity.TenantID, limit)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Audit trail read failed")
		respCode = statusOf(err)
		response = h.GetStdRESTErrorMsg(r.Context(), respCode, "audit trail read failed", err.Error())
		return
	}

	respCode = http.StatusOK
	response = AuditTrailResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Events: events,
	}
}

// GetAuditTrailHandler Wrapper around GetAuditTrail
func (h RetentionAPIHandler) GetAuditTrailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAuditTrail(w, r)
	}
}

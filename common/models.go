package common

import (
	"encoding/json"
	"time"
)

// RecordingType the originating mode of a recording
type RecordingType string

// Supported recording types. Emergency and compliance recordings override
// plan retention upward.
const (
	RecordingTypeContinuous RecordingType = "continuous"
	RecordingTypeMotion     RecordingType = "motion"
	RecordingTypeScheduled  RecordingType = "scheduled"
	RecordingTypeEmergency  RecordingType = "emergency"
	RecordingTypeCompliance RecordingType = "compliance"
)

// EncryptionMode how a recording artifact is stored on disk
type EncryptionMode string

// Supported encryption modes
const (
	EncryptionModeNone EncryptionMode = "none"
	EncryptionModeAEAD EncryptionMode = "aes256gcm"
)

// DeletionReason why a recording was soft deleted
type DeletionReason string

// Supported deletion reasons. An empty reason means the recording is live.
const (
	DeletionReasonNotDeleted      DeletionReason = ""
	DeletionReasonRetention       DeletionReason = "retention"
	DeletionReasonManual          DeletionReason = "manual"
	DeletionReasonCompliancePurge DeletionReason = "compliance-purge"
)

// SubscriptionPlan tenant subscription class driving default retention
type SubscriptionPlan string

// Known subscription plans
const (
	PlanStarter      SubscriptionPlan = "starter"
	PlanProfessional SubscriptionPlan = "professional"
	PlanHealthcare   SubscriptionPlan = "healthcare"
	PlanEnterprise   SubscriptionPlan = "enterprise"
)

// DefaultPlanRetentionDays built-in fallback retention table keyed on
// subscription plan, used when no active policy row matches.
var DefaultPlanRetentionDays = map[SubscriptionPlan]int{
	PlanStarter:      30,
	PlanProfessional: 90,
	PlanHealthcare:   365,
	PlanEnterprise:   2555,
}

// ComplianceMinRetentionDays emergency and compliance recordings are kept
// at least this long regardless of plan.
const ComplianceMinRetentionDays = 2555

// Tenant a customer account owning channels and recordings
type Tenant struct {
	// ID tenant ID as supplied by the gateway
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// Name display name
	Name string `json:"name" gorm:"column:name;not null" validate:"required"`
	// Plan active subscription plan
	Plan      SubscriptionPlan `json:"plan" gorm:"column:plan;not null" validate:"oneof=starter professional healthcare enterprise"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Recording a single captured artifact
type Recording struct {
	// ID stable recording ID. Matches the on-disk artifact stem.
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// TenantID owning tenant
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;not null;index:recording_tenant_index" validate:"required"`
	// ChannelID originating camera channel, unset for direct uploads
	ChannelID *string `json:"camera_id,omitempty" gorm:"column:camera_id;default:null"`
	// Filename sanitized artifact file name
	Filename string `json:"filename" gorm:"column:filename;not null" validate:"required"`
	// ArtifactPath absolute path of the artifact on disk
	ArtifactPath string `json:"artifact_path" gorm:"column:artifact_path;not null" validate:"required"`
	// FileSize artifact size in bytes
	FileSize int64 `json:"file_size" gorm:"column:file_size;not null" validate:"gte=0"`
	// Duration recording duration in seconds
	Duration int `json:"duration" gorm:"column:duration;not null" validate:"gte=0"`
	// StartTime when capture started (UTC)
	StartTime time.Time `json:"start_time" gorm:"column:start_time;not null;index:recording_time_index" validate:"required"`
	// EndTime when capture ended (UTC), unset while in progress
	EndTime *time.Time `json:"end_time,omitempty" gorm:"column:end_time;default:null"`
	// MotionDetected whether motion triggered or accompanied the capture
	MotionDetected bool `json:"motion_detected" gorm:"column:motion_detected;default:false"`
	// RetentionTag retention policy tag
	RetentionTag string `json:"retention_tag,omitempty" gorm:"column:retention_tag;default:null"`
	// Encryption artifact encryption mode
	Encryption EncryptionMode `json:"encryption" gorm:"column:encryption;not null" validate:"oneof=none aes256gcm"`
	// Type recording type
	Type RecordingType `json:"recording_type" gorm:"column:recording_type;not null" validate:"oneof=continuous motion scheduled emergency compliance"`
	// SoftDeletedAt set when the recording is soft deleted
	SoftDeletedAt *time.Time `json:"soft_deleted_at,omitempty" gorm:"column:soft_deleted_at;default:null;index:recording_deleted_index"`
	// DeleteReason set together with SoftDeletedAt
	DeleteReason DeletionReason `json:"delete_reason,omitempty" gorm:"column:delete_reason;default:null"`
	// RetainUntil manual retention override. While in the future, blocks
	// retention-driven deletion regardless of plan.
	RetainUntil *time.Time `json:"retain_until,omitempty" gorm:"column:retain_until;default:null"`
	// RetainReason operator supplied justification for the manual override
	RetainReason *string `json:"retain_reason,omitempty" gorm:"column:retain_reason;default:null"`
	// LegalHold no deletion path may soft delete the row while set
	LegalHold bool `json:"legal_hold" gorm:"column:legal_hold;default:false"`
	// LegalHoldAt when the legal hold flag was last applied
	LegalHoldAt *time.Time `json:"legal_hold_at,omitempty" gorm:"column:legal_hold_at;default:null"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// String toString function
func (r Recording) String() string {
	t, _ := json.Marshal(&r)
	return string(t)
}

// Deleted whether the recording is soft deleted
func (r Recording) Deleted() bool {
	return r.SoftDeletedAt != nil
}

// RetentionPolicy per (tenant, recording type) retention rule
type RetentionPolicy struct {
	// ID policy entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// TenantID owning tenant
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;not null;uniqueIndex:policy_tenant_type_index" validate:"required"`
	// Type recording type this policy governs
	Type RecordingType `json:"recording_type" gorm:"column:recording_type;not null;uniqueIndex:policy_tenant_type_index" validate:"oneof=continuous motion scheduled emergency compliance"`
	// RetentionDays retention window in days. Zero means unlimited.
	RetentionDays int `json:"retention_days" gorm:"column:retention_days;not null" validate:"gte=0"`
	// Active at most one active policy per (tenant, type)
	Active bool `json:"active" gorm:"column:active;default:true"`
	// AutoDelete whether the scheduler may delete expired recordings
	AutoDelete bool `json:"auto_delete" gorm:"column:auto_delete;default:false"`
	// ComplianceRequired artifacts must be archived before hard delete
	ComplianceRequired bool `json:"compliance_required" gorm:"column:compliance_required;default:false"`
	// ComplianceStandard free text compliance standard tag
	ComplianceStandard *string   `json:"compliance_standard,omitempty" gorm:"column:compliance_standard;default:null"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Unlimited whether the policy retains recordings indefinitely
func (p RetentionPolicy) Unlimited() bool {
	return p.RetentionDays == 0
}

// LegalHold deletion block placed on a recording for a legal case
type LegalHold struct {
	// ID hold entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// RecordingID the recording under hold
	RecordingID string `json:"recording_id" gorm:"column:recording_id;not null;index:hold_recording_index" validate:"required"`
	// TenantID owning tenant
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;not null" validate:"required"`
	// CaseNumber legal case number
	CaseNumber string `json:"case_number" gorm:"column:case_number;not null" validate:"required"`
	// CaseName legal case name
	CaseName string `json:"case_name,omitempty" gorm:"column:case_name;default:null"`
	// Description optional hold description
	Description *string `json:"description,omitempty" gorm:"column:description;default:null"`
	// HoldStart when the hold takes effect (UTC)
	HoldStart time.Time `json:"hold_start" gorm:"column:hold_start;not null" validate:"required"`
	// HoldEnd when the hold lapses, unset for indefinite
	HoldEnd *time.Time `json:"hold_end,omitempty" gorm:"column:hold_end;default:null"`
	// Active whether the hold is in force
	Active bool `json:"active" gorm:"column:active;default:true"`
	// AttorneyName responsible attorney contact
	AttorneyName *string `json:"attorney_name,omitempty" gorm:"column:attorney_name;default:null"`
	// AttorneyEmail responsible attorney contact
	AttorneyEmail *string `json:"attorney_email,omitempty" gorm:"column:attorney_email;default:null" validate:"omitempty,email"`
	// CreatedBy subject that placed the hold
	CreatedBy string    `json:"created_by" gorm:"column:created_by;not null" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel a camera channel managed by the RTSP ingest supervisor
type Channel struct {
	// ID channel entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// DVRID owning DVR unit
	DVRID string `json:"dvr_id" gorm:"column:dvr_id;not null;index:channel_dvr_index" validate:"required"`
	// TenantID owning tenant
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;not null" validate:"required"`
	// Name display name
	Name string `json:"name" gorm:"column:name;not null" validate:"required"`
	// RTSPURL camera stream URL, credentials may be embedded
	RTSPURL string `json:"rtsp_url" gorm:"column:rtsp_url;not null" validate:"required,uri"`
	// IngestActive whether the supervisor should keep a transcoder running
	IngestActive bool `json:"ingest_active" gorm:"column:ingest_active;default:false"`
	// LastProbeOK outcome of the most recent RTSP probe
	LastProbeOK bool `json:"last_probe_ok" gorm:"column:last_probe_ok;default:false"`
	// MotionEnabled whether the motion sampling loop runs for this channel
	MotionEnabled bool `json:"motion_enabled" gorm:"column:motion_enabled;default:false"`
	// MotionSensitivity 1 (least) to 10 (most), default 5
	MotionSensitivity int `json:"motion_sensitivity" gorm:"column:motion_sensitivity;default:5" validate:"gte=1,lte=10"`
	// PlaylistPath derived rolling HLS playlist path
	PlaylistPath *string   `json:"playlist_path,omitempty" gorm:"column:playlist_path;default:null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditEvent one structured audit record per state changing operation
type AuditEvent struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey" validate:"required"`
	// Timestamp when the operation occurred (UTC)
	Timestamp time.Time `json:"timestamp" gorm:"column:timestamp;not null;index:audit_time_index" validate:"required"`
	// Subject caller identity as supplied by the gateway
	Subject string `json:"subject" gorm:"column:subject;not null"`
	// TenantID tenant the operation applied to
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;not null;index:audit_tenant_index"`
	// Action operation name
	Action string `json:"action" gorm:"column:action;not null" validate:"required"`
	// Resource resource identifier the operation touched
	Resource string `json:"resource" gorm:"column:resource;not null"`
	// Outcome "success" or "failure"
	Outcome string `json:"outcome" gorm:"column:outcome;not null" validate:"required"`
	// Reason optional detail, e.g. why a deletion was blocked
	Reason string `json:"reason,omitempty" gorm:"column:reason;default:null"`
}

// RecordingListFilter filters for listing recordings
type RecordingListFilter struct {
	// TenantID restrict to one tenant
	TenantID *string
	// ChannelID restrict to one channel
	ChannelID *string
	// CreatedAfter restrict to rows created at or after this instant
	CreatedAfter *time.Time
	// CreatedBefore restrict to rows created at or before this instant
	CreatedBefore *time.Time
	// IncludeDeleted also return soft deleted rows
	IncludeDeleted bool
	// SortBy one of created_at, filename, file_size
	SortBy string `validate:"omitempty,oneof=created_at filename file_size"`
	// SortDesc descending sort direction
	SortDesc bool
	// Limit page size, 1 to 200
	Limit int `validate:"gte=1,lte=200"`
	// Offset page offset
	Offset int `validate:"gte=0"`
}

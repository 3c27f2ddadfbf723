package db

import (
	"github.com/vigilcam/vigil/common"
)

// tenant a customer account
type tenant struct {
	common.Tenant
}

// TableName hard code table name
func (tenant) TableName() string {
	return "tenants"
}

// recording a single captured artifact
type recording struct {
	common.Recording
}

// TableName hard code table name
func (recording) TableName() string {
	return "recordings"
}

// retentionPolicy per (tenant, recording type) retention rule
type retentionPolicy struct {
	common.RetentionPolicy
}

// TableName hard code table name
func (retentionPolicy) TableName() string {
	return "retention_policies"
}

// legalHold deletion block placed on a recording
type legalHold struct {
	common.LegalHold
}

// TableName hard code table name
func (legalHold) TableName() string {
	return "legal_holds"
}

// channel a camera channel managed by the ingest supervisor
type channel struct {
	common.Channel
}

// TableName hard code table name
func (channel) TableName() string {
	return "channels"
}

// auditEvent one audit record per state changing operation
type auditEvent struct {
	common.AuditEvent
}

// TableName hard code table name
func (auditEvent) TableName() string {
	return "audit_events"
}

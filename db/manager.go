package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/vigilcam/vigil/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// TenantRetentionStats per tenant retention accounting
type TenantRetentionStats struct {
	// TenantID owning tenant
	TenantID string `json:"tenant_id"`
	// LiveCount live recording rows
	LiveCount int64 `json:"live_count"`
	// LiveBytes bytes held by live recordings
	LiveBytes int64 `json:"live_bytes"`
	// SoftDeletedCount rows awaiting the grace window
	SoftDeletedCount int64 `json:"soft_deleted_count"`
	// SoftDeletedBytes bytes awaiting the grace window
	SoftDeletedBytes int64 `json:"soft_deleted_bytes"`
	// HeldCount rows under active legal hold
	HeldCount int64 `json:"held_count"`
}

// PersistenceManager database access layer
type PersistenceManager interface {
	/*
		Ready check whether the DB connection is working

			@param ctxt context.Context - execution context
	*/
	Ready(ctxt context.Context) error

	// =====================================================================================
	// Tenants

	/*
		RecordTenant create or update a tenant record

			@param ctxt context.Context - execution context
			@param entry common.Tenant - tenant parameters
	*/
	RecordTenant(ctxt context.Context, entry common.Tenant) error

	/*
		GetTenant retrieve a tenant

			@param ctxt context.Context - execution context
			@param id string - tenant ID
			@returns tenant entry
	*/
	GetTenant(ctxt context.Context, id string) (common.Tenant, error)

	// =====================================================================================
	// Recordings

	/*
		RecordRecording create a new recording row

			@param ctxt context.Context - execution context
			@param entry common.Recording - recording parameters. The ID must
			    already be set to the artifact stem.
	*/
	RecordRecording(ctxt context.Context, entry common.Recording) error

	/*
		GetRecording retrieve a recording

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@returns recording entry
	*/
	GetRecording(ctxt context.Context, id string) (common.Recording, error)

	/*
		ListRecordings list recordings matching a filter. Soft deleted rows
		are excluded unless the filter requests them.

			@param ctxt context.Context - execution context
			@param filter common.RecordingListFilter - listing filter
			@returns matching page of recordings, and total match count
	*/
	ListRecordings(
		ctxt context.Context, filter common.RecordingListFilter,
	) ([]common.Recording, int64, error)

	/*
		SetRecordingEndTime finalize an in-progress recording. End time is
		set once.

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@param endTime time.Time - when capture ended
			@param durationSec int - recording duration in seconds
			@param fileSize int64 - final artifact size
	*/
	SetRecordingEndTime(
		ctxt context.Context, id string, endTime time.Time, durationSec int, fileSize int64,
	) error

	/*
		SoftDeleteRecording mark a recording deleted. Fails with
		HoldBlocksDeletion when the row carries an active legal hold; the
		refusal is recorded as an audit event.

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@param reason common.DeletionReason - why the recording is deleted
			@param subject string - caller identity
	*/
	SoftDeleteRecording(
		ctxt context.Context, id string, reason common.DeletionReason, subject string,
	) error

	/*
		RestoreRecording cancel a soft delete within the grace window

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@param subject string - caller identity
	*/
	RestoreRecording(ctxt context.Context, id string, subject string) error

	/*
		ListHardDeleteCandidates soft deleted rows whose grace window lapsed
		before the cutoff and whose artifact has not been reclaimed yet

			@param ctxt context.Context - execution context
			@param cutoff time.Time - grace window cutoff
			@returns candidate recordings
	*/
	ListHardDeleteCandidates(ctxt context.Context, cutoff time.Time) ([]common.Recording, error)

	/*
		PurgeRecordingRow remove a recording row outright. Only valid once
		the on-disk artifact is gone.

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@param subject string - caller identity
	*/
	PurgeRecordingRow(ctxt context.Context, id string, subject string) error

	/*
		ListLiveRecordings all rows not yet soft deleted, for retention
		classification

			@param ctxt context.Context - execution context
			@returns live recordings
	*/
	ListLiveRecordings(ctxt context.Context) ([]common.Recording, error)

	/*
		SetManualRetention place or clear a manual retain-until override

			@param ctxt context.Context - execution context
			@param id string - recording ID
			@param retainUntil *time.Time - retain the recording until this
			    instant, nil to clear
			@param reason *string - operator justification
			@param subject string - caller identity
	*/
	SetManualRetention(
		ctxt context.Context, id string, retainUntil *time.Time, reason *string, subject string,
	) error

	// =====================================================================================
	// Legal holds

	/*
		CreateLegalHold place a legal hold on a recording

			@param ctxt context.Context - execution context
			@param hold common.LegalHold - hold parameters, ID is assigned
			@returns new hold entry ID
	*/
	CreateLegalHold(ctxt context.Context, hold common.LegalHold) (string, error)

	/*
		ReleaseLegalHold lift a legal hold. The recording's hold flag clears
		only when no other active hold remains.

			@param ctxt context.Context - execution context
			@param holdID string - hold entry ID
			@param subject string - caller identity
	*/
	ReleaseLegalHold(ctxt context.Context, holdID string, subject string) error

	/*
		ListLegalHolds list holds placed on a recording

			@param ctxt context.Context - execution context
			@param recordingID string - recording ID
			@returns hold entries
	*/
	ListLegalHolds(ctxt context.Context, recordingID string) ([]common.LegalHold, error)

	// =====================================================================================
	// Retention policies

	/*
		UpsertRetentionPolicy create or replace the policy for a
		(tenant, recording type) pair

			@param ctxt context.Context - execution context
			@param policy common.RetentionPolicy - policy parameters
			@returns policy entry ID
	*/
	UpsertRetentionPolicy(ctxt context.Context, policy common.RetentionPolicy) (string, error)

	/*
		GetActiveRetentionPolicy active policy for a (tenant, recording type)
		pair

			@param ctxt context.Context - execution context
			@param tenantID string - tenant
			@param recordingType common.RecordingType - recording type
			@returns the active policy
	*/
	GetActiveRetentionPolicy(
		ctxt context.Context, tenantID string, recordingType common.RecordingType,
	) (common.RetentionPolicy, error)

	/*
		RetentionStats per tenant retention accounting

			@param ctxt context.Context - execution context
			@returns stats rows, one per tenant with recordings
	*/
	RetentionStats(ctxt context.Context) ([]TenantRetentionStats, error)

	// =====================================================================================
	// Channels

	/*
		RecordChannel create or update a camera channel

			@param ctxt context.Context - execution context
			@param entry common.Channel - channel parameters. A missing ID is
			    assigned.
			@returns channel entry ID
	*/
	RecordChannel(ctxt context.Context, entry common.Channel) (string, error)

	/*
		GetChannel retrieve a channel

			@param ctxt context.Context - execution context
			@param id string - channel entry ID
			@returns channel entry
	*/
	GetChannel(ctxt context.Context, id string) (common.Channel, error)

	/*
		ListChannels list all channels

			@param ctxt context.Context - execution context
			@returns all channel entries
	*/
	ListChannels(ctxt context.Context) ([]common.Channel, error)

	/*
		ListIngestActiveChannels channels whose supervisor ingest is enabled

			@param ctxt context.Context - execution context
			@returns matching channel entries
	*/
	ListIngestActiveChannels(ctxt context.Context) ([]common.Channel, error)

	/*
		SetChannelIngestState flip the supervisor ingest flag

			@param ctxt context.Context - execution context
			@param id string - channel entry ID
			@param active bool - new ingest state
	*/
	SetChannelIngestState(ctxt context.Context, id string, active bool) error

	/*
		SetChannelProbeResult record the outcome of the most recent probe

			@param ctxt context.Context - execution context
			@param id string - channel entry ID
			@param ok bool - probe outcome
	*/
	SetChannelProbeResult(ctxt context.Context, id string, ok bool) error

	/*
		SetChannelPlaylistPath record the channel's rolling playlist path

			@param ctxt context.Context - execution context
			@param id string - channel entry ID
			@param playlistPath string - rolling HLS playlist path
	*/
	SetChannelPlaylistPath(ctxt context.Context, id string, playlistPath string) error

	// =====================================================================================
	// Audit

	/*
		RecordAuditEvent append one audit record

			@param ctxt context.Context - execution context
			@param event common.AuditEvent - audit parameters, ID and
			    timestamp are assigned when unset
	*/
	RecordAuditEvent(ctxt context.Context, event common.AuditEvent) error

	/*
		ListAuditEvents recent audit records for a tenant, newest first

			@param ctxt context.Context - execution context
			@param tenantID string - tenant
			@param limit int - max entries to return
			@returns audit entries
	*/
	ListAuditEvents(ctxt context.Context, tenantID string, limit int) ([]common.AuditEvent, error)
}

// persistenceManagerImpl implements PersistenceManager
type persistenceManagerImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

/*
NewManager define a new DB access manager

	@param dbDialector gorm.Dialector - GORM SQL dialector
	@param logLevel logger.LogLevel - SQL log level
	@returns new manager
*/
func NewManager(dbDialector gorm.Dialector, logLevel logger.LogLevel) (PersistenceManager, error) {
	db, err := gorm.Open(dbDialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	// Prepare the databases
	for _, model := range []interface{}{
		&tenant{}, &recording{}, &retentionPolicy{}, &legalHold{}, &channel{}, &auditEvent{},
	} {
		if err := db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}

	logTags := log.Fields{"module": "db", "component": "manager", "instance": dbDialector.Name()}
	return &persistenceManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        db,
		validator: validator.New(),
	}, nil
}

func (m *persistenceManagerImpl) Ready(ctxt context.Context) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Find(&[]recording{}).Limit(1)
		return tmp.Error
	})
}

// auditInTx append an audit record inside an open transaction
func (m *persistenceManagerImpl) auditInTx(tx *gorm.DB, event common.AuditEvent) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if tmp := tx.Create(&auditEvent{AuditEvent: event}); tmp.Error != nil {
		return tmp.Error
	}
	return nil
}

// =====================================================================================
// Tenants

func (m *persistenceManagerImpl) RecordTenant(ctxt context.Context, entry common.Tenant) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		if err := m.validator.Struct(&entry); err != nil {
			return err
		}

		if tmp := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&tenant{Tenant: entry}); tmp.Error != nil {
			return tmp.Error
		}

		log.
			WithFields(logTags).
			WithField("tenant-id", entry.ID).
			WithField("plan", entry.Plan).
			Info("Recorded tenant")
		return nil
	})
}

func (m *persistenceManagerImpl) GetTenant(
	ctxt context.Context, id string,
) (common.Tenant, error) {
	var result common.Tenant
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry tenant
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			return tmp.Error
		}
		result = entry.Tenant
		return nil
	})
}

// =====================================================================================
// Recordings

func (m *persistenceManagerImpl) RecordRecording(
	ctxt context.Context, entry common.Recording,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		// Verify data
		if err := m.validator.Struct(&entry); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording entry is invalid", err)
		}

		// Insert entry
		if tmp := tx.Create(&recording{Recording: entry}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording insert failed", tmp.Error)
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  "ingest",
			TenantID: entry.TenantID,
			Action:   "recording.create",
			Resource: entry.ID,
			Outcome:  "success",
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.
			WithFields(logTags).
			WithField("recording-id", entry.ID).
			WithField("tenant-id", entry.TenantID).
			Info("Recorded new recording")
		return nil
	})
}

func (m *persistenceManagerImpl) GetRecording(
	ctxt context.Context, id string,
) (common.Recording, error) {
	var result common.Recording
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}
		result = entry.Recording
		return nil
	})
}

// applyListFilter translate a listing filter into query clauses
func applyListFilter(tx *gorm.DB, filter common.RecordingListFilter) *gorm.DB {
	query := tx
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.ChannelID != nil {
		query = query.Where("camera_id = ?", *filter.ChannelID)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *filter.CreatedBefore)
	}
	if !filter.IncludeDeleted {
		query = query.Where("soft_deleted_at IS NULL")
	}
	return query
}

func (m *persistenceManagerImpl) ListRecordings(
	ctxt context.Context, filter common.RecordingListFilter,
) ([]common.Recording, int64, error) {
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if filter.SortBy == "" {
		filter.SortBy = "created_at"
	}
	if err := m.validator.Struct(&filter); err != nil {
		return nil, 0, common.WrapError(common.ErrCodeBadRequest, "listing filter is invalid", err)
	}

	var results []common.Recording
	var total int64
	return results, total, m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := applyListFilter(tx.Model(&recording{}), filter).Count(&total); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording count failed", tmp.Error)
		}

		direction := "asc"
		if filter.SortDesc {
			direction = "desc"
		}

		var entries []recording
		if tmp := applyListFilter(tx, filter).
			Order(fmt.Sprintf("%s %s", filter.SortBy, direction)).
			Limit(filter.Limit).
			Offset(filter.Offset).
			Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.Recording)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) SetRecordingEndTime(
	ctxt context.Context, id string, endTime time.Time, durationSec int, fileSize int64,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}

		// End time is set once
		if entry.EndTime != nil {
			return common.NewError(
				common.ErrCodeMetadataError,
				fmt.Sprintf("recording '%s' already has an end time", id),
			)
		}
		if endTime.Before(entry.StartTime) {
			return common.NewError(
				common.ErrCodeMetadataError, "end time precedes start time",
			)
		}

		if tmp := tx.Model(&recording{}).Where("id = ?", id).Updates(map[string]interface{}{
			"end_time":  endTime,
			"duration":  durationSec,
			"file_size": fileSize,
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) SoftDeleteRecording(
	ctxt context.Context, id string, reason common.DeletionReason, subject string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}

		// Legal hold blocks every deletion path. The refusal itself is
		// audit-worthy.
		if entry.LegalHold {
			if err := m.auditInTx(tx, common.AuditEvent{
				Subject:  subject,
				TenantID: entry.TenantID,
				Action:   "recording.soft-delete",
				Resource: id,
				Outcome:  "failure",
				Reason:   "active legal hold",
			}); err != nil {
				return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
			}
			return common.NewError(
				common.ErrCodeHoldBlocksDeletion,
				fmt.Sprintf("recording '%s' is under legal hold", id),
			)
		}

		if entry.Deleted() {
			// Already soft deleted; idempotent
			return nil
		}

		now := time.Now().UTC()
		if tmp := tx.Model(&recording{}).Where("id = ?", id).Updates(map[string]interface{}{
			"soft_deleted_at": now,
			"delete_reason":   string(reason),
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  subject,
			TenantID: entry.TenantID,
			Action:   "recording.soft-delete",
			Resource: id,
			Outcome:  "success",
			Reason:   string(reason),
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.
			WithFields(logTags).
			WithField("recording-id", id).
			WithField("reason", reason).
			Info("Soft deleted recording")
		return nil
	})
}

func (m *persistenceManagerImpl) RestoreRecording(
	ctxt context.Context, id string, subject string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}
		if !entry.Deleted() {
			return nil
		}

		if tmp := tx.Model(&recording{}).Where("id = ?", id).Updates(map[string]interface{}{
			"soft_deleted_at": nil,
			"delete_reason":   "",
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  subject,
			TenantID: entry.TenantID,
			Action:   "recording.restore",
			Resource: id,
			Outcome:  "success",
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.WithFields(logTags).WithField("recording-id", id).Info("Restored soft deleted recording")
		return nil
	})
}

func (m *persistenceManagerImpl) ListHardDeleteCandidates(
	ctxt context.Context, cutoff time.Time,
) ([]common.Recording, error) {
	var results []common.Recording
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []recording
		if tmp := tx.
			Where("soft_deleted_at IS NOT NULL").
			Where("soft_deleted_at <= ?", cutoff).
			Order("soft_deleted_at").
			Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "candidate listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.Recording)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) PurgeRecordingRow(
	ctxt context.Context, id string, subject string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}

		// Rows are only purged after the artifact is reclaimed
		if !entry.Deleted() {
			return common.NewError(
				common.ErrCodeMetadataError,
				fmt.Sprintf("recording '%s' is not soft deleted", id),
			)
		}

		if tmp := tx.Where("recording_id = ?", id).Delete(&legalHold{}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "hold cleanup failed", tmp.Error)
		}
		if tmp := tx.Where("id = ?", id).Delete(&recording{}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording purge failed", tmp.Error)
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  subject,
			TenantID: entry.TenantID,
			Action:   "recording.purge",
			Resource: id,
			Outcome:  "success",
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.WithFields(logTags).WithField("recording-id", id).Info("Purged recording row")
		return nil
	})
}

func (m *persistenceManagerImpl) ListLiveRecordings(
	ctxt context.Context,
) ([]common.Recording, error) {
	var results []common.Recording
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []recording
		if tmp := tx.
			Where("soft_deleted_at IS NULL").
			Order("created_at").
			Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.Recording)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) SetManualRetention(
	ctxt context.Context, id string, retainUntil *time.Time, reason *string, subject string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var entry recording
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}

		if tmp := tx.Model(&recording{}).Where("id = ?", id).Updates(map[string]interface{}{
			"retain_until":  retainUntil,
			"retain_reason": reason,
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
		}

		action := "recording.manual-retention.set"
		if retainUntil == nil {
			action = "recording.manual-retention.clear"
		}
		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  subject,
			TenantID: entry.TenantID,
			Action:   action,
			Resource: id,
			Outcome:  "success",
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}
		return nil
	})
}

// =====================================================================================
// Legal holds

func (m *persistenceManagerImpl) CreateLegalHold(
	ctxt context.Context, hold common.LegalHold,
) (string, error) {
	var newID string
	return newID, m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		var entry recording
		if tmp := tx.First(&entry, "id = ?", hold.RecordingID); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("recording '%s' is unknown", hold.RecordingID),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "recording read failed", tmp.Error)
		}

		newID = ulid.Make().String()
		hold.ID = newID
		hold.Active = true
		if hold.HoldStart.IsZero() {
			hold.HoldStart = time.Now().UTC()
		}

		// Verify data
		if err := m.validator.Struct(&hold); err != nil {
			return common.WrapError(common.ErrCodeBadRequest, "legal hold entry is invalid", err)
		}

		if tmp := tx.Create(&legalHold{LegalHold: hold}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "hold insert failed", tmp.Error)
		}

		now := time.Now().UTC()
		if tmp := tx.Model(&recording{}).Where("id = ?", hold.RecordingID).Updates(map[string]interface{}{
			"legal_hold":    true,
			"legal_hold_at": now,
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  hold.CreatedBy,
			TenantID: hold.TenantID,
			Action:   "legal-hold.create",
			Resource: hold.RecordingID,
			Outcome:  "success",
			Reason:   hold.CaseNumber,
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.
			WithFields(logTags).
			WithField("recording-id", hold.RecordingID).
			WithField("hold-id", newID).
			WithField("case-number", hold.CaseNumber).
			Info("Placed legal hold")
		return nil
	})
}

func (m *persistenceManagerImpl) ReleaseLegalHold(
	ctxt context.Context, holdID string, subject string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		var entry legalHold
		if tmp := tx.First(&entry, "id = ?", holdID); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeRecordingNotFound,
					fmt.Sprintf("legal hold '%s' is unknown", holdID),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "hold read failed", tmp.Error)
		}

		now := time.Now().UTC()
		if tmp := tx.Model(&legalHold{}).Where("id = ?", holdID).Updates(map[string]interface{}{
			"active":   false,
			"hold_end": now,
		}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "hold update failed", tmp.Error)
		}

		// The recording flag only clears once no other active hold remains
		var remaining int64
		if tmp := tx.Model(&legalHold{}).
			Where("recording_id = ?", entry.RecordingID).
			Where("active = ?", true).
			Where("id <> ?", holdID).
			Count(&remaining); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "hold count failed", tmp.Error)
		}
		if remaining == 0 {
			if tmp := tx.Model(&recording{}).
				Where("id = ?", entry.RecordingID).
				Update("legal_hold", false); tmp.Error != nil {
				return common.WrapError(common.ErrCodeMetadataError, "recording update failed", tmp.Error)
			}
		}

		if err := m.auditInTx(tx, common.AuditEvent{
			Subject:  subject,
			TenantID: entry.TenantID,
			Action:   "legal-hold.release",
			Resource: entry.RecordingID,
			Outcome:  "success",
			Reason:   entry.CaseNumber,
		}); err != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit insert failed", err)
		}

		log.
			WithFields(logTags).
			WithField("recording-id", entry.RecordingID).
			WithField("hold-id", holdID).
			WithField("remaining-holds", remaining).
			Info("Released legal hold")
		return nil
	})
}

func (m *persistenceManagerImpl) ListLegalHolds(
	ctxt context.Context, recordingID string,
) ([]common.LegalHold, error) {
	var results []common.LegalHold
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []legalHold
		if tmp := tx.
			Where("recording_id = ?", recordingID).
			Order("created_at").
			Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "hold listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.LegalHold)
		}
		return nil
	})
}

// =====================================================================================
// Retention policies

func (m *persistenceManagerImpl) UpsertRetentionPolicy(
	ctxt context.Context, policy common.RetentionPolicy,
) (string, error) {
	var entryID string
	return entryID, m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		if policy.ID == "" {
			policy.ID = uuid.NewString()
		}
		entryID = policy.ID

		// Verify data
		if err := m.validator.Struct(&policy); err != nil {
			return common.WrapError(common.ErrCodeBadRequest, "retention policy is invalid", err)
		}

		// At most one active policy per (tenant, type)
		if tmp := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "recording_type"}},
			UpdateAll: true,
		}).Create(&retentionPolicy{RetentionPolicy: policy}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "policy upsert failed", tmp.Error)
		}

		log.
			WithFields(logTags).
			WithField("tenant-id", policy.TenantID).
			WithField("recording-type", policy.Type).
			WithField("retention-days", policy.RetentionDays).
			Info("Upserted retention policy")
		return nil
	})
}

func (m *persistenceManagerImpl) GetActiveRetentionPolicy(
	ctxt context.Context, tenantID string, recordingType common.RecordingType,
) (common.RetentionPolicy, error) {
	var result common.RetentionPolicy
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry retentionPolicy
		if tmp := tx.
			Where("tenant_id = ?", tenantID).
			Where("recording_type = ?", recordingType).
			Where("active = ?", true).
			First(&entry); tmp.Error != nil {
			return tmp.Error
		}
		result = entry.RetentionPolicy
		return nil
	})
}

func (m *persistenceManagerImpl) RetentionStats(
	ctxt context.Context,
) ([]TenantRetentionStats, error) {
	var results []TenantRetentionStats
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		rows := []struct {
			TenantID    string
			Deleted     bool
			Held        bool
			EntryCount  int64
			SizeInBytes int64
		}{}
		if tmp := tx.Model(&recording{}).
			Select(
				"tenant_id as tenant_id, " +
					"soft_deleted_at IS NOT NULL as deleted, " +
					"legal_hold as held, " +
					"count(*) as entry_count, " +
					"coalesce(sum(file_size), 0) as size_in_bytes",
			).
			Group("tenant_id, deleted, held").
			Scan(&rows); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "stats query failed", tmp.Error)
		}

		perTenant := map[string]*TenantRetentionStats{}
		order := []string{}
		for _, row := range rows {
			stats, ok := perTenant[row.TenantID]
			if !ok {
				stats = &TenantRetentionStats{TenantID: row.TenantID}
				perTenant[row.TenantID] = stats
				order = append(order, row.TenantID)
			}
			if row.Deleted {
				stats.SoftDeletedCount += row.EntryCount
				stats.SoftDeletedBytes += row.SizeInBytes
			} else {
				stats.LiveCount += row.EntryCount
				stats.LiveBytes += row.SizeInBytes
			}
			if row.Held {
				stats.HeldCount += row.EntryCount
			}
		}
		for _, tenantID := range order {
			results = append(results, *perTenant[tenantID])
		}
		return nil
	})
}

// =====================================================================================
// Channels

func (m *persistenceManagerImpl) RecordChannel(
	ctxt context.Context, entry common.Channel,
) (string, error) {
	var entryID string
	return entryID, m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entryID = entry.ID
		if entry.MotionSensitivity == 0 {
			entry.MotionSensitivity = 5
		}

		// Verify data
		if err := m.validator.Struct(&entry); err != nil {
			return common.WrapError(common.ErrCodeBadRequest, "channel entry is invalid", err)
		}

		if tmp := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&channel{Channel: entry}); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "channel upsert failed", tmp.Error)
		}

		log.
			WithFields(logTags).
			WithField("channel-id", entry.ID).
			WithField("dvr-id", entry.DVRID).
			Info("Recorded channel")
		return nil
	})
}

func (m *persistenceManagerImpl) GetChannel(
	ctxt context.Context, id string,
) (common.Channel, error) {
	var result common.Channel
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		var entry channel
		if tmp := tx.First(&entry, "id = ?", id); tmp.Error != nil {
			if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
				return common.NewError(
					common.ErrCodeChannelNotFound,
					fmt.Sprintf("channel '%s' is unknown", id),
				)
			}
			return common.WrapError(common.ErrCodeMetadataError, "channel read failed", tmp.Error)
		}
		result = entry.Channel
		return nil
	})
}

func (m *persistenceManagerImpl) ListChannels(ctxt context.Context) ([]common.Channel, error) {
	var results []common.Channel
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []channel
		if tmp := tx.Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "channel listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.Channel)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListIngestActiveChannels(
	ctxt context.Context,
) ([]common.Channel, error) {
	var results []common.Channel
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []channel
		if tmp := tx.Where("ingest_active = ?", true).Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "channel listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.Channel)
		}
		return nil
	})
}

func (m *persistenceManagerImpl) SetChannelIngestState(
	ctxt context.Context, id string, active bool,
) error {
	return m.updateChannelField(ctxt, id, "ingest_active", active)
}

func (m *persistenceManagerImpl) SetChannelProbeResult(
	ctxt context.Context, id string, ok bool,
) error {
	return m.updateChannelField(ctxt, id, "last_probe_ok", ok)
}

func (m *persistenceManagerImpl) SetChannelPlaylistPath(
	ctxt context.Context, id string, playlistPath string,
) error {
	return m.updateChannelField(ctxt, id, "playlist_path", playlistPath)
}

func (m *persistenceManagerImpl) updateChannelField(
	ctxt context.Context, id, column string, value interface{},
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Model(&channel{}).Where("id = ?", id).Update(column, value)
		if tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "channel update failed", tmp.Error)
		}
		if tmp.RowsAffected == 0 {
			return common.NewError(
				common.ErrCodeChannelNotFound,
				fmt.Sprintf("channel '%s' is unknown", id),
			)
		}
		return nil
	})
}

// =====================================================================================
// Audit

func (m *persistenceManagerImpl) RecordAuditEvent(
	ctxt context.Context, event common.AuditEvent,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		return m.auditInTx(tx, event)
	})
}

func (m *persistenceManagerImpl) ListAuditEvents(
	ctxt context.Context, tenantID string, limit int,
) ([]common.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var results []common.AuditEvent
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		var entries []auditEvent
		if tmp := tx.
			Where("tenant_id = ?", tenantID).
			Order("timestamp desc").
			Limit(limit).
			Find(&entries); tmp.Error != nil {
			return common.WrapError(common.ErrCodeMetadataError, "audit listing failed", tmp.Error)
		}
		for _, entry := range entries {
			results = append(results, entry.AuditEvent)
		}
		return nil
	})
}

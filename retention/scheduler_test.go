package retention_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/retention"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"gorm.io/gorm/logger"
)

// archiveRecorder archive client double collecting archived recordings
type archiveRecorder struct {
	lock     sync.Mutex
	archived []string
}

func (a *archiveRecorder) Ready(ctxt context.Context) error { return nil }

func (a *archiveRecorder) ArchiveArtifact(
	ctxt context.Context, tenantID, recordingID, artifactPath string,
) (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.archived = append(a.archived, recordingID)
	return fmt.Sprintf("%s/%s", tenantID, recordingID), nil
}

func (a *archiveRecorder) DeleteArchivedArtifact(ctxt context.Context, objectKey string) error {
	return nil
}

// eventRecorder broadcaster double
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

type retentionTestEnv struct {
	scheduler retention.Scheduler
	dbClient  db.PersistenceManager
	layout    storage.Layout
	archive   *archiveRecorder
	events    *eventRecorder
	tenantID  string
}

func setupRetentionTest(t *testing.T, plan common.SubscriptionPlan) retentionTestEnv {
	utCtxt := context.Background()

	root := t.TempDir()
	layout, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: root},
		utils.NewDiskMonitor(root, 1),
	)
	assert.Nil(t, err)

	dbClient, err := db.NewManager(
		db.GetSqliteDialector(fmt.Sprintf("/tmp/ut-%s.db", uuid.NewString())), logger.Error,
	)
	assert.Nil(t, err)

	tenantID := fmt.Sprintf("tenant-%s", uuid.NewString())
	assert.Nil(t, dbClient.RecordTenant(utCtxt, common.Tenant{
		ID: tenantID, Name: "ut-tenant", Plan: plan,
	}))

	archive := &archiveRecorder{}
	events := &eventRecorder{}
	scheduler, err := retention.NewScheduler(
		utCtxt, dbClient, layout, archive, events, common.RetentionConfig{
			SweepIntervalInSec:   3600,
			GraceInHours:         0,
			DefaultRetentionDays: 30,
			BatchTimeoutInMin:    5,
		},
	)
	assert.Nil(t, err)

	return retentionTestEnv{
		scheduler: scheduler,
		dbClient:  dbClient,
		layout:    layout,
		archive:   archive,
		events:    events,
		tenantID:  tenantID,
	}
}

// stageRecording commit an artifact and its metadata row, created ageDays in
// the past
func stageRecording(
	t *testing.T,
	env retentionTestEnv,
	stem string,
	recordingType common.RecordingType,
	ageDays int,
) common.Recording {
	utCtxt := context.Background()

	tmpPath, err := env.layout.Reserve(utCtxt, stem, ".mp4", false)
	assert.Nil(t, err)
	payload := []byte("retention-test-payload")
	assert.Nil(t, os.WriteFile(tmpPath, payload, 0o640))
	artifactPath, err := env.layout.Commit(utCtxt, tmpPath)
	assert.Nil(t, err)

	staged := time.Now().UTC().Add(-time.Hour * 24 * time.Duration(ageDays))
	entry := common.Recording{
		ID:           stem,
		TenantID:     env.tenantID,
		Filename:     stem + ".mp4",
		ArtifactPath: artifactPath,
		FileSize:     int64(len(payload)),
		Duration:     60,
		StartTime:    staged,
		CreatedAt:    staged,
		Encryption:   common.EncryptionModeNone,
		Type:         recordingType,
	}
	assert.Nil(t, env.dbClient.RecordRecording(utCtxt, entry))
	return entry
}

func TestRetentionPlanBasedSweep(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)

	expired := stageRecording(t, env, "ut_ret_expired", common.RecordingTypeContinuous, 40)
	fresh := stageRecording(t, env, "ut_ret_fresh", common.RecordingTypeContinuous, 10)

	// Dry run reports the candidate without touching anything
	report, err := env.scheduler.RunOnce(utCtxt, true, nil)
	assert.Nil(err)
	assert.True(report.DryRun)
	assert.Equal(1, report.Candidates)
	assert.Equal(expired.FileSize, report.Bytes)
	assert.Zero(report.SoftDeleted)
	read, err := env.dbClient.GetRecording(utCtxt, expired.ID)
	assert.Nil(err)
	assert.False(read.Deleted())
	assert.FileExists(expired.ArtifactPath)

	// Real sweep soft deletes the expired row only
	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.SoftDeleted)
	read, err = env.dbClient.GetRecording(utCtxt, expired.ID)
	assert.Nil(err)
	assert.True(read.Deleted())
	assert.Equal(common.DeletionReasonRetention, read.DeleteReason)
	read, err = env.dbClient.GetRecording(utCtxt, fresh.ID)
	assert.Nil(err)
	assert.False(read.Deleted())

	// With a zero hour grace the next sweep reclaims artifact and row
	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.HardDeleted)
	_, statErr := os.Stat(expired.ArtifactPath)
	assert.True(os.IsNotExist(statErr))
	_, err = env.dbClient.GetRecording(utCtxt, expired.ID)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeRecordingNotFound, common.CodeOf(err))

	// Deletion event carries the tenant and recording
	env.events.lock.Lock()
	defer env.events.lock.Unlock()
	assert.Len(env.events.events, 1)
	assert.Equal(utils.EventTypeRetentionDeletion, env.events.events[0].Type)
	assert.Equal(expired.ID, env.events.events[0].RecordingID)
	assert.Equal(env.tenantID, env.events.events[0].TenantID)
}

func TestRetentionClassifiesOnCreationTime(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)

	stage := func(stem string, startTime, createdAt time.Time) common.Recording {
		tmpPath, err := env.layout.Reserve(utCtxt, stem, ".mp4", false)
		assert.Nil(err)
		payload := []byte("retention-test-payload")
		assert.Nil(os.WriteFile(tmpPath, payload, 0o640))
		artifactPath, err := env.layout.Commit(utCtxt, tmpPath)
		assert.Nil(err)
		entry := common.Recording{
			ID:           stem,
			TenantID:     env.tenantID,
			Filename:     stem + ".mp4",
			ArtifactPath: artifactPath,
			FileSize:     int64(len(payload)),
			Duration:     60,
			StartTime:    startTime,
			CreatedAt:    createdAt,
			Encryption:   common.EncryptionModeNone,
			Type:         common.RecordingTypeContinuous,
		}
		assert.Nil(env.dbClient.RecordRecording(utCtxt, entry))
		return entry
	}

	now := time.Now().UTC()
	// Footage captured 100 days ago but imported just now starts a fresh
	// retention window
	imported := stage("ut_ret_imported", now.Add(-time.Hour*24*100), now)
	// A row created past the plan window expires even when the capture
	// start time is recent
	stale := stage("ut_ret_stale_row", now, now.Add(-time.Hour*24*40))

	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.Candidates)
	assert.Equal(1, report.SoftDeleted)

	read, err := env.dbClient.GetRecording(utCtxt, imported.ID)
	assert.Nil(err)
	assert.False(read.Deleted())
	read, err = env.dbClient.GetRecording(utCtxt, stale.ID)
	assert.Nil(err)
	assert.True(read.Deleted())
}

func TestRetentionLegalHoldBlocksSweep(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)
	expired := stageRecording(t, env, "ut_ret_held", common.RecordingTypeContinuous, 40)

	_, err := env.dbClient.CreateLegalHold(utCtxt, common.LegalHold{
		RecordingID: expired.ID,
		TenantID:    env.tenantID,
		CaseNumber:  "case-17",
		CaseName:    "ut-v-ut",
		HoldStart:   time.Now().UTC(),
		Active:      true,
		CreatedBy:   "ut-counsel",
	})
	assert.Nil(err)

	// A dry run never counts held rows as reclaimable
	report, err := env.scheduler.RunOnce(utCtxt, true, nil)
	assert.Nil(err)
	assert.Zero(report.Candidates)
	assert.Zero(report.Bytes)
	assert.Equal(1, report.Blocked)

	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.Candidates)
	assert.Equal(1, report.Blocked)
	assert.Zero(report.SoftDeleted)

	// Row and artifact survive
	read, err := env.dbClient.GetRecording(utCtxt, expired.ID)
	assert.Nil(err)
	assert.False(read.Deleted())
	assert.FileExists(expired.ArtifactPath)

	// The refusal is on the audit trail
	audits, err := env.dbClient.ListAuditEvents(utCtxt, env.tenantID, 20)
	assert.Nil(err)
	blockedSeen := false
	for _, event := range audits {
		if event.Resource == expired.ID && event.Outcome == "failure" {
			blockedSeen = true
		}
	}
	assert.True(blockedSeen)
}

func TestRetentionPolicyOverridesPlan(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// Enterprise plan would keep 2555 days
	env := setupRetentionTest(t, common.PlanEnterprise)
	expired := stageRecording(t, env, "ut_ret_policy", common.RecordingTypeContinuous, 3)

	_, err := env.dbClient.UpsertRetentionPolicy(utCtxt, common.RetentionPolicy{
		TenantID:      env.tenantID,
		Type:          common.RecordingTypeContinuous,
		RetentionDays: 1,
		Active:        true,
		AutoDelete:    true,
	})
	assert.Nil(err)

	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.SoftDeleted)
	read, err := env.dbClient.GetRecording(utCtxt, expired.ID)
	assert.Nil(err)
	assert.True(read.Deleted())

	// An unlimited policy shields even ancient rows
	ancient := stageRecording(t, env, "ut_ret_unlimited", common.RecordingTypeMotion, 4000)
	_, err = env.dbClient.UpsertRetentionPolicy(utCtxt, common.RetentionPolicy{
		TenantID:      env.tenantID,
		Type:          common.RecordingTypeMotion,
		RetentionDays: 0,
		Active:        true,
		AutoDelete:    true,
	})
	assert.Nil(err)

	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Zero(report.SoftDeleted)
	read, err = env.dbClient.GetRecording(utCtxt, ancient.ID)
	assert.Nil(err)
	assert.False(read.Deleted())
}

func TestRetentionComplianceFloor(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)

	// Emergency captures ride the compliance floor, not the starter plan
	protected := stageRecording(t, env, "ut_ret_emergency", common.RecordingTypeEmergency, 400)

	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Zero(report.Candidates)
	read, err := env.dbClient.GetRecording(utCtxt, protected.ID)
	assert.Nil(err)
	assert.False(read.Deleted())
}

func TestRetentionManualOverrideProtects(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)
	expired := stageRecording(t, env, "ut_ret_manual", common.RecordingTypeContinuous, 40)

	retainUntil := time.Now().UTC().Add(time.Hour * 24 * 30)
	reason := "pending insurance claim"
	assert.Nil(env.dbClient.SetManualRetention(utCtxt, expired.ID, &retainUntil, &reason, "ut-operator"))

	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Zero(report.Candidates)

	// Once the override is cleared the row expires again
	assert.Nil(env.dbClient.SetManualRetention(utCtxt, expired.ID, nil, nil, "ut-operator"))
	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.SoftDeleted)
}

func TestRetentionDaysOverride(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)
	entry := stageRecording(t, env, "ut_ret_override", common.RecordingTypeContinuous, 3)

	// Within the 30 day plan window
	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Zero(report.Candidates)

	// Manual cleanup with a one day window
	override := 1
	report, err = env.scheduler.RunOnce(utCtxt, false, &override)
	assert.Nil(err)
	assert.Equal(1, report.SoftDeleted)
	read, err := env.dbClient.GetRecording(utCtxt, entry.ID)
	assert.Nil(err)
	assert.True(read.Deleted())
}

func TestRetentionComplianceArchive(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)
	entry := stageRecording(t, env, "ut_ret_archive", common.RecordingTypeContinuous, 40)

	_, err := env.dbClient.UpsertRetentionPolicy(utCtxt, common.RetentionPolicy{
		TenantID:           env.tenantID,
		Type:               common.RecordingTypeContinuous,
		RetentionDays:      30,
		Active:             true,
		AutoDelete:         true,
		ComplianceRequired: true,
	})
	assert.Nil(err)

	// First sweep soft deletes, second archives then reclaims
	report, err := env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.SoftDeleted)
	report, err = env.scheduler.RunOnce(utCtxt, false, nil)
	assert.Nil(err)
	assert.Equal(1, report.Archived)
	assert.Equal(1, report.HardDeleted)

	env.archive.lock.Lock()
	assert.Equal([]string{entry.ID}, env.archive.archived)
	env.archive.lock.Unlock()
	_, statErr := os.Stat(entry.ArtifactPath)
	assert.True(os.IsNotExist(statErr))
}

func TestRetentionStatsPassthrough(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupRetentionTest(t, common.PlanStarter)
	stageRecording(t, env, "ut_ret_stats_0", common.RecordingTypeContinuous, 1)
	stageRecording(t, env, "ut_ret_stats_1", common.RecordingTypeContinuous, 2)

	stats, err := env.scheduler.Stats(utCtxt)
	assert.Nil(err)
	assert.Len(stats, 1)
	assert.Equal(env.tenantID, stats[0].TenantID)
	assert.Equal(int64(2), stats[0].LiveCount)
}

package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
)

// schedulerSubject identity recorded on scheduler driven audit events
const schedulerSubject = "retention-scheduler"

// reclaimMetrics tracking number of reclaimed recordings
var reclaimMetrics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_retention_reclaimed_total",
	Help: "Tracking number of hard deleted recordings",
}, []string{"tenant", "reason"})

// SweepReport outcome of one retention sweep
type SweepReport struct {
	// Candidates expired live recordings found by this sweep
	Candidates int `json:"candidates"`
	// Bytes total artifact bytes across the candidates
	Bytes int64 `json:"bytes"`
	// SoftDeleted candidates soft deleted by this sweep
	SoftDeleted int `json:"soft_deleted"`
	// HardDeleted recordings whose artifact and row were reclaimed
	HardDeleted int `json:"hard_deleted"`
	// Archived artifacts copied to the compliance archive before reclaim
	Archived int `json:"archived"`
	// Blocked deletions refused by an active legal hold
	Blocked int `json:"blocked"`
	// PendingPurge soft deleted rows still inside the grace window
	PendingPurge int `json:"pending_purge"`
	// DryRun whether the sweep mutated anything
	DryRun bool `json:"dry_run"`
}

// Scheduler drives plan and policy based recording retention
type Scheduler interface {
	/*
		Start begin periodic retention sweeps

			@param ctxt context.Context - execution context
	*/
	Start(ctxt context.Context) error

	/*
		Stop end periodic retention sweeps

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		RunOnce perform one retention sweep. A dry run reports what would be
		deleted without mutating anything.

			@param ctxt context.Context - execution context
			@param dryRun bool - report only, change nothing
			@param daysOverride *int - replace the resolved retention window
			    for every recording, used by manual cleanup calls
			@returns sweep report
	*/
	RunOnce(ctxt context.Context, dryRun bool, daysOverride *int) (SweepReport, error)

	/*
		Stats per tenant live and soft deleted usage totals

			@param ctxt context.Context - execution context
			@returns per tenant stats
	*/
	Stats(ctxt context.Context) ([]db.TenantRetentionStats, error)
}

// schedulerImpl implements Scheduler
type schedulerImpl struct {
	goutils.Component
	dbClient    db.PersistenceManager
	layout      storage.Layout
	archive     utils.ArchiveClient
	broadcaster utils.Broadcaster
	config      common.RetentionConfig
	sweepTimer  goutils.IntervalTimer
	runtimeCtxt context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sweepLock   sync.Mutex
}

/*
NewScheduler define a new retention scheduler

	@param parentCtxt context.Context - parent runtime context
	@param dbClient db.PersistenceManager - metadata store client
	@param layout storage.Layout - artifact storage
	@param archive utils.ArchiveClient - compliance archive, nil when disabled
	@param broadcaster utils.Broadcaster - event broadcaster
	@param config common.RetentionConfig - retention configuration
	@returns new Scheduler
*/
func NewScheduler(
	parentCtxt context.Context,
	dbClient db.PersistenceManager,
	layout storage.Layout,
	archive utils.ArchiveClient,
	broadcaster utils.Broadcaster,
	config common.RetentionConfig,
) (Scheduler, error) {
	runtimeCtxt, cancel := context.WithCancel(parentCtxt)
	return &schedulerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "retention", "component": "scheduler"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		dbClient:    dbClient,
		layout:      layout,
		archive:     archive,
		broadcaster: broadcaster,
		config:      config,
		runtimeCtxt: runtimeCtxt,
		cancel:      cancel,
	}, nil
}

func (s *schedulerImpl) Start(ctxt context.Context) error {
	logTags := s.GetLogTagsForContext(ctxt)

	timer, err := goutils.GetIntervalTimerInstance(s.runtimeCtxt, &s.wg, logTags)
	if err != nil {
		return err
	}
	s.sweepTimer = timer

	return timer.Start(s.config.SweepInterval(), func() error {
		sweepCtxt, sweepCancel := context.WithTimeout(s.runtimeCtxt, s.config.BatchTimeout())
		defer sweepCancel()
		report, err := s.RunOnce(sweepCtxt, false, nil)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Retention sweep failed")
			return nil
		}
		log.
			WithFields(logTags).
			WithField("soft-deleted", report.SoftDeleted).
			WithField("hard-deleted", report.HardDeleted).
			WithField("blocked", report.Blocked).
			Info("Retention sweep complete")
		return nil
	}, false)
}

func (s *schedulerImpl) Stop(ctxt context.Context) error {
	s.cancel()
	return goutils.TimeBoundedWaitGroupWait(ctxt, &s.wg, time.Second*10)
}

func (s *schedulerImpl) Stats(ctxt context.Context) ([]db.TenantRetentionStats, error) {
	return s.dbClient.RetentionStats(ctxt)
}

// resolveRetentionDays determine how long one recording must be kept, and
// whether the scheduler may delete it once expired. Policy rows win over the
// tenant's plan; emergency and compliance captures never drop below the
// compliance floor.
func (s *schedulerImpl) resolveRetentionDays(
	ctxt context.Context, entry common.Recording, daysOverride *int,
) (days int, unlimited bool, autoDelete bool) {
	days = s.config.DefaultRetentionDays
	autoDelete = true

	policy, policyErr := s.dbClient.GetActiveRetentionPolicy(ctxt, entry.TenantID, entry.Type)
	if policyErr == nil {
		if policy.Unlimited() {
			return 0, true, false
		}
		days = policy.RetentionDays
		autoDelete = policy.AutoDelete
	} else if tenant, tenantErr := s.dbClient.GetTenant(ctxt, entry.TenantID); tenantErr == nil {
		if planDays, ok := common.DefaultPlanRetentionDays[tenant.Plan]; ok {
			days = planDays
		}
	}

	if daysOverride != nil {
		days = *daysOverride
		autoDelete = true
	}

	if entry.Type == common.RecordingTypeEmergency || entry.Type == common.RecordingTypeCompliance {
		if days < common.ComplianceMinRetentionDays {
			days = common.ComplianceMinRetentionDays
		}
	}
	return days, false, autoDelete
}

func (s *schedulerImpl) RunOnce(
	ctxt context.Context, dryRun bool, daysOverride *int,
) (SweepReport, error) {
	// One sweep at a time
	s.sweepLock.Lock()
	defer s.sweepLock.Unlock()

	logTags := s.GetLogTagsForContext(ctxt)
	report := SweepReport{DryRun: dryRun}
	now := time.Now().UTC()

	// Phase one: classify live recordings and soft delete the expired
	live, err := s.dbClient.ListLiveRecordings(ctxt)
	if err != nil {
		return report, err
	}

	for _, entry := range live {
		if ctxt.Err() != nil {
			return report, ctxt.Err()
		}

		// A manual override in the future protects the row from the sweep
		if entry.RetainUntil != nil && entry.RetainUntil.After(now) {
			continue
		}

		days, unlimited, autoDelete := s.resolveRetentionDays(ctxt, entry, daysOverride)
		if unlimited || !autoDelete {
			continue
		}
		// The retention window runs from when the row was created, not from
		// when the capture started. Old footage imported today starts a
		// fresh window.
		if entry.CreatedAt.Add(time.Hour * 24 * time.Duration(days)).After(now) {
			continue
		}

		if dryRun {
			// Held rows are not reclaimable, so they stay out of the
			// candidate byte total
			if entry.LegalHold {
				report.Blocked++
				continue
			}
			report.Candidates++
			report.Bytes += entry.FileSize
			continue
		}

		report.Candidates++
		report.Bytes += entry.FileSize

		// The metadata store refuses held rows and records the refusal
		deleteErr := s.dbClient.SoftDeleteRecording(
			ctxt, entry.ID, common.DeletionReasonRetention, schedulerSubject,
		)
		switch {
		case deleteErr == nil:
			report.SoftDeleted++
		case common.CodeOf(deleteErr) == common.ErrCodeHoldBlocksDeletion:
			report.Blocked++
		default:
			log.
				WithError(deleteErr).
				WithFields(logTags).
				WithField("recording-id", entry.ID).
				Error("Retention soft delete failed")
		}
	}

	// Phase two: reclaim artifacts whose grace window lapsed
	cutoff := now.Add(-s.config.Grace())
	purgeable, err := s.dbClient.ListHardDeleteCandidates(ctxt, cutoff)
	if err != nil {
		return report, err
	}
	pending, err := s.dbClient.ListHardDeleteCandidates(ctxt, now)
	if err == nil {
		report.PendingPurge = len(pending) - len(purgeable)
	}

	if dryRun {
		return report, nil
	}

	for _, entry := range purgeable {
		if ctxt.Err() != nil {
			return report, ctxt.Err()
		}
		if err := s.reclaimRecording(ctxt, entry, &report); err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("recording-id", entry.ID).
				Error("Retention reclaim failed")
		}
	}

	return report, nil
}

// reclaimRecording archive if required, unlink the artifact and derived
// assets, then purge the metadata row. The row outlives the artifact so a
// crash between the two steps never orphans ciphertext on disk.
func (s *schedulerImpl) reclaimRecording(
	ctxt context.Context, entry common.Recording, report *SweepReport,
) error {
	logTags := s.GetLogTagsForContext(ctxt)

	policy, policyErr := s.dbClient.GetActiveRetentionPolicy(ctxt, entry.TenantID, entry.Type)
	if policyErr == nil && policy.ComplianceRequired {
		if s.archive == nil {
			return common.NewError(
				common.ErrCodeStorageError,
				fmt.Sprintf("recording '%s' requires archival but no archive is configured", entry.ID),
			)
		}
		objectKey, err := s.archive.ArchiveArtifact(ctxt, entry.TenantID, entry.ID, entry.ArtifactPath)
		if err != nil {
			return err
		}
		report.Archived++
		log.
			WithFields(logTags).
			WithField("recording-id", entry.ID).
			WithField("object-key", objectKey).
			Info("Archived artifact before reclaim")
	}

	if err := s.layout.Delete(ctxt, entry.ID, entry.ArtifactPath); err != nil {
		return err
	}
	if err := s.dbClient.PurgeRecordingRow(ctxt, entry.ID, schedulerSubject); err != nil {
		return err
	}
	report.HardDeleted++
	reclaimMetrics.
		With(prometheus.Labels{"tenant": entry.TenantID, "reason": string(entry.DeleteReason)}).
		Inc()

	if err := s.broadcaster.Broadcast(ctxt, utils.Event{
		Type:        utils.EventTypeRetentionDeletion,
		Timestamp:   time.Now().UTC(),
		TenantID:    entry.TenantID,
		RecordingID: entry.ID,
		Detail: map[string]string{
			"bytes":  fmt.Sprintf("%d", entry.FileSize),
			"reason": string(entry.DeleteReason),
		},
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Retention deletion broadcast failed")
	}
	return nil
}

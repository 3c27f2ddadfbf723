package rtsp

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/db"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
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

func (r *eventRecorder) eventsOfType(eventType string) []utils.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	var matched []utils.Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// writeScript install an executable shell script
func writeScript(t *testing.T, path, content string) {
	assert.Nil(t, os.WriteFile(path, []byte(content), 0o750))
}

type supervisorTestEnv struct {
	supervisor Supervisor
	dbClient   db.PersistenceManager
	layout     storage.Layout
	events     *eventRecorder
	channelID  string
}

// setupSupervisorTest build a supervisor around stub probe and transcoder
// binaries. probeExit and transcoderExit select the stubs' exit codes.
func setupSupervisorTest(t *testing.T, probeExit, transcoderExit int) supervisorTestEnv {
	utCtxt := context.Background()

	root := t.TempDir()
	layout, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: root},
		utils.NewDiskMonitor(root, 1),
	)
	assert.Nil(t, err)

	binDir := t.TempDir()
	probePath := filepath.Join(binDir, "fake-probe.sh")
	writeScript(t, probePath, fmt.Sprintf(`#!/bin/sh
if [ %d -ne 0 ]; then exit %d; fi
echo "h264,640,480"
`, probeExit, probeExit))

	// The stub transcoder emits one segment and a playlist, then either
	// exits with transcoderExit or lingers like a live ingest would
	transcoderPath := filepath.Join(binDir, "fake-transcoder.sh")
	writeScript(t, transcoderPath, fmt.Sprintf(`#!/bin/sh
for last in "$@"; do :; done
dir=$(dirname "$last")
echo "segment" > "$dir/seg-00000.ts"
echo "#EXTM3U" > "$last"
if [ %d -ne 0 ]; then exit %d; fi
sleep 30
`, transcoderExit, transcoderExit))

	dbClient, err := db.NewManager(
		db.GetSqliteDialector(fmt.Sprintf("/tmp/ut-%s.db", uuid.NewString())), logger.Error,
	)
	assert.Nil(t, err)

	channelID, err := dbClient.RecordChannel(utCtxt, common.Channel{
		ID:                uuid.NewString(),
		DVRID:             "dvr-0",
		TenantID:          "tenant-0",
		Name:              "front door",
		RTSPURL:           "rtsp://127.0.0.1:8554/front",
		MotionSensitivity: 5,
	})
	assert.Nil(t, err)

	events := &eventRecorder{}
	supervisor, err := NewSupervisor(
		utCtxt,
		dbClient,
		layout,
		utils.NewDiskMonitor(root, 1),
		events,
		common.TranscoderConfig{
			Path:               transcoderPath,
			ProbePath:          probePath,
			SegmentLengthInSec: 4,
			HLSGenTimeoutInMin: 1,
		},
		common.SupervisorConfig{
			ProbeTimeoutInSec:      5,
			HeartbeatIntInSec:      5,
			RestartBackoffMaxInSec: 1,
			BackoffResetAfterInSec: 300,
			MaxConsecutiveFailures: 2,
			StopGraceInSec:         1,
		},
	)
	assert.Nil(t, err)

	return supervisorTestEnv{
		supervisor: supervisor,
		dbClient:   dbClient,
		layout:     layout,
		events:     events,
		channelID:  channelID,
	}
}

// waitForStatus poll the channel state until it reaches want or the deadline
// passes
func waitForStatus(
	t *testing.T, supervisor Supervisor, channelID string, want ChannelStatus, deadline time.Duration,
) ChannelRuntimeState {
	utCtxt := context.Background()
	var state ChannelRuntimeState
	expire := time.Now().Add(deadline)
	for time.Now().Before(expire) {
		var err error
		state, err = supervisor.GetChannelState(utCtxt, channelID)
		assert.Nil(t, err)
		if state.Status == want {
			return state
		}
		time.Sleep(time.Millisecond * 50)
	}
	t.Fatalf("channel '%s' never reached status '%s', last '%s'", channelID, want, state.Status)
	return state
}

func TestSupervisorIngestLifecycle(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupSupervisorTest(t, 0, 0)
	assert.Nil(env.supervisor.Start(utCtxt))
	defer func() { assert.Nil(env.supervisor.Stop(utCtxt)) }()

	assert.Nil(env.supervisor.StartIngest(utCtxt, env.channelID))

	state := waitForStatus(t, env.supervisor, env.channelID, StatusRunning, time.Second*5)
	assert.NotZero(state.PID)
	assert.NotEmpty(state.PlaylistPath)

	// A heartbeat sweep over a healthy channel with ample free space leaves
	// it running
	env.supervisor.(*supervisorImpl).heartbeatPass()
	state, err := env.supervisor.GetChannelState(utCtxt, env.channelID)
	assert.Nil(err)
	assert.Equal(StatusRunning, state.Status)

	// Ingest flag and playlist path persisted
	channel, err := env.dbClient.GetChannel(utCtxt, env.channelID)
	assert.Nil(err)
	assert.True(channel.IngestActive)
	assert.True(channel.LastProbeOK)
	assert.NotNil(channel.PlaylistPath)
	assert.FileExists(*channel.PlaylistPath)

	// Stop brings the channel back to inactive and records the event
	assert.Nil(env.supervisor.StopIngest(utCtxt, env.channelID))
	waitForStatus(t, env.supervisor, env.channelID, StatusInactive, time.Second*5)

	channel, err = env.dbClient.GetChannel(utCtxt, env.channelID)
	assert.Nil(err)
	assert.False(channel.IngestActive)
	assert.Len(env.events.eventsOfType(utils.EventTypeIngestStopped), 1)
}

func TestSupervisorProbeFailureFailsStartIngest(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// The stub prober always fails
	env := setupSupervisorTest(t, 1, 0)
	assert.Nil(env.supervisor.Start(utCtxt))
	defer func() { assert.Nil(env.supervisor.Stop(utCtxt)) }()

	// An unreachable source fails the call itself; no supervision begins
	err := env.supervisor.StartIngest(utCtxt, env.channelID)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeChannelUnreachable, common.CodeOf(err))

	state, err := env.supervisor.GetChannelState(utCtxt, env.channelID)
	assert.Nil(err)
	assert.Equal(StatusInactive, state.Status)

	channel, err := env.dbClient.GetChannel(utCtxt, env.channelID)
	assert.Nil(err)
	assert.False(channel.IngestActive)
	assert.False(channel.LastProbeOK)
}

func TestSupervisorFailureBudget(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// The probe succeeds but the stub transcoder exits right away
	env := setupSupervisorTest(t, 0, 1)
	assert.Nil(env.supervisor.Start(utCtxt))
	defer func() { assert.Nil(env.supervisor.Stop(utCtxt)) }()

	assert.Nil(env.supervisor.StartIngest(utCtxt, env.channelID))

	// Two transcoder exits with one second of backoff in between exhaust the
	// budget of two
	waitForStatus(t, env.supervisor, env.channelID, StatusInactive, time.Second*10)

	channel, err := env.dbClient.GetChannel(utCtxt, env.channelID)
	assert.Nil(err)
	assert.False(channel.IngestActive)
	assert.True(channel.LastProbeOK)

	failures := env.events.eventsOfType(utils.EventTypeIngestFailure)
	assert.Len(failures, 1)
	assert.Equal(env.channelID, failures[0].ChannelID)
	assert.Equal("tenant-0", failures[0].TenantID)
}

func TestSupervisorStopIngestUnknownChannel(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupSupervisorTest(t, 0, 0)
	assert.Nil(env.supervisor.Start(utCtxt))
	defer func() { assert.Nil(env.supervisor.Stop(utCtxt)) }()

	err := env.supervisor.StopIngest(utCtxt, uuid.NewString())
	assert.NotNil(err)
	assert.Equal(common.ErrCodeChannelNotFound, common.CodeOf(err))

	// Stopping a known but idle channel is a no-op
	assert.Nil(env.supervisor.StopIngest(utCtxt, env.channelID))
}

func TestMotionDetector(t *testing.T) {
	assert := assert.New(t)

	buildFrame := func(fill color.Gray, boxSize int) image.Image {
		frame := image.NewGray(image.Rect(0, 0, 64, 64))
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				frame.SetGray(x, y, fill)
			}
		}
		for y := 0; y < boxSize; y++ {
			for x := 0; x < boxSize; x++ {
				frame.SetGray(x, y, color.Gray{Y: 255})
			}
		}
		return frame
	}

	uut := newMotionDetector(5)

	// First frame only seeds the background
	motion, _ := uut.Sample(buildFrame(color.Gray{Y: 40}, 0))
	assert.False(motion)

	// Identical frame holds quiet
	motion, fraction := uut.Sample(buildFrame(color.Gray{Y: 40}, 0))
	assert.False(motion)
	assert.Zero(fraction)

	// A bright 32x32 box covers a quarter of the frame, well past the
	// sensitivity 5 threshold of 12%
	motion, fraction = uut.Sample(buildFrame(color.Gray{Y: 40}, 32))
	assert.True(motion)
	assert.Greater(fraction, 0.12)

	// Sensitivity 1 needs 20% changed; an 8x8 box is not enough even for
	// sensitivity 10
	uut = newMotionDetector(10)
	_, _ = uut.Sample(buildFrame(color.Gray{Y: 40}, 0))
	motion, _ = uut.Sample(buildFrame(color.Gray{Y: 40}, 8))
	assert.False(motion)
}

func TestMotionDetectorResolutionChange(t *testing.T) {
	assert := assert.New(t)

	uut := newMotionDetector(10)
	small := image.NewGray(image.Rect(0, 0, 16, 16))
	large := image.NewGray(image.Rect(0, 0, 32, 32))

	_, _ = uut.Sample(small)
	// A resolution change re-seeds instead of comparing
	motion, fraction := uut.Sample(large)
	assert.False(motion)
	assert.Zero(fraction)
}

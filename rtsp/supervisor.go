package rtsp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
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

// restartMetrics tracking number of transcoder restart attempts
var restartMetrics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_ingest_transcoder_restarts_total",
	Help: "Tracking number of transcoder restart attempts",
}, []string{"channel"})

// ChannelStatus supervisor side channel ingest state
type ChannelStatus string

const (
	// StatusInactive no transcoder is running and none is wanted
	StatusInactive ChannelStatus = "inactive"
	// StatusProbing the RTSP source is being verified
	StatusProbing ChannelStatus = "probing"
	// StatusRunning the transcoder is producing segments
	StatusRunning ChannelStatus = "running"
	// StatusDegraded the transcoder is up but segments have stalled
	StatusDegraded ChannelStatus = "degraded"
)

// ChannelRuntimeState point-in-time view of one supervised channel
type ChannelRuntimeState struct {
	// ChannelID the channel
	ChannelID string `json:"channel_id"`
	// Status current ingest status
	Status ChannelStatus `json:"status"`
	// PID transcoder process ID, zero when not running
	PID int `json:"pid,omitempty"`
	// ConsecutiveFailures restart failures since the last clean run
	ConsecutiveFailures int `json:"consecutive_failures"`
	// BackpressureActive whether the transcoder is paused on low disk
	BackpressureActive bool `json:"backpressure_active"`
	// LastSegmentAt when the transcoder last produced a segment
	LastSegmentAt time.Time `json:"last_segment_at,omitempty"`
	// PlaylistPath the channel's rolling playlist
	PlaylistPath string `json:"playlist_path,omitempty"`
}

// Supervisor keeps one transcoder process per ingest enabled channel
type Supervisor interface {
	/*
		Start begin supervision. Channels marked ingest active in the
		metadata store resume automatically.

			@param ctxt context.Context - execution context
	*/
	Start(ctxt context.Context) error

	/*
		Stop terminate all supervised transcoders and stop the control loops

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		StartIngest begin supervised ingest for a channel. The RTSP source is
		probed first; an unreachable source fails the call and no supervision
		begins.

			@param ctxt context.Context - execution context
			@param channelID string - channel to ingest from
	*/
	StartIngest(ctxt context.Context, channelID string) error

	/*
		StopIngest stop supervised ingest for a channel. The transcoder gets
		a graceful terminate, then a hard kill after the grace window.

			@param ctxt context.Context - execution context
			@param channelID string - channel to stop
	*/
	StopIngest(ctxt context.Context, channelID string) error

	/*
		GetChannelState read the runtime state of one channel

			@param ctxt context.Context - execution context
			@param channelID string - the channel
			@returns runtime state
	*/
	GetChannelState(ctxt context.Context, channelID string) (ChannelRuntimeState, error)
}

// channelRuntime supervisor side bookkeeping for one channel
type channelRuntime struct {
	channel       common.Channel
	state         ChannelRuntimeState
	liveDir       string
	process       *os.Process
	cancel        context.CancelFunc
	stopRequested bool
	paused        bool
	detector      *motionDetector
}

// supervisorImpl implements Supervisor
type supervisorImpl struct {
	goutils.Component
	dbClient         db.PersistenceManager
	layout           storage.Layout
	prober           Prober
	sampler          *frameSampler
	diskMonitor      utils.DiskMonitor
	broadcaster      utils.Broadcaster
	watcher          utils.SegmentDirWatcher
	segmentEvents    chan utils.SegmentFileEvent
	transcoderConfig common.TranscoderConfig
	config           common.SupervisorConfig
	runtimeCtxt      context.Context
	runtimeCancel    context.CancelFunc
	heartbeat        goutils.IntervalTimer
	wg               sync.WaitGroup
	lock             sync.Mutex
	channels         map[string]*channelRuntime
	liveDirIndex     map[string]string
	running          bool
}

/*
NewSupervisor define a new RTSP ingest supervisor

	@param parentCtxt context.Context - parent runtime context
	@param dbClient db.PersistenceManager - metadata store client
	@param layout storage.Layout - artifact storage
	@param diskMonitor utils.DiskMonitor - filesystem watermark monitor
	@param broadcaster utils.Broadcaster - event broadcaster
	@param transcoderConfig common.TranscoderConfig - transcoder configuration
	@param config common.SupervisorConfig - supervisor configuration
	@returns new Supervisor
*/
func NewSupervisor(
	parentCtxt context.Context,
	dbClient db.PersistenceManager,
	layout storage.Layout,
	diskMonitor utils.DiskMonitor,
	broadcaster utils.Broadcaster,
	transcoderConfig common.TranscoderConfig,
	config common.SupervisorConfig,
) (Supervisor, error) {
	segmentEvents := make(chan utils.SegmentFileEvent, 64)
	watcher, err := utils.NewSegmentDirWatcher(segmentEvents)
	if err != nil {
		return nil, err
	}

	prober, err := NewProber(transcoderConfig.ProbePath, config)
	if err != nil {
		return nil, err
	}

	runtimeCtxt, runtimeCancel := context.WithCancel(parentCtxt)
	return &supervisorImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "rtsp", "component": "supervisor"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		dbClient:         dbClient,
		layout:           layout,
		prober:           prober,
		sampler:          newFrameSampler(transcoderConfig.Path, layout.ScratchDir()),
		diskMonitor:      diskMonitor,
		broadcaster:      broadcaster,
		watcher:          watcher,
		segmentEvents:    segmentEvents,
		transcoderConfig: transcoderConfig,
		config:           config,
		runtimeCtxt:      runtimeCtxt,
		runtimeCancel:    runtimeCancel,
		channels:         make(map[string]*channelRuntime),
		liveDirIndex:     make(map[string]string),
	}, nil
}

func (s *supervisorImpl) Start(ctxt context.Context) error {
	logTags := s.GetLogTagsForContext(ctxt)

	s.lock.Lock()
	if s.running {
		s.lock.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.lock.Unlock()

	if err := s.watcher.Start(ctxt, s.runtimeCtxt); err != nil {
		return err
	}

	// Segment event dispatch
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.runtimeCtxt.Done():
				return
			case event, ok := <-s.segmentEvents:
				if !ok {
					return
				}
				s.handleSegmentEvent(event)
			}
		}
	}()

	// Liveness and backpressure heartbeat
	heartbeat, err := goutils.GetIntervalTimerInstance(s.runtimeCtxt, &s.wg, logTags)
	if err != nil {
		return err
	}
	s.heartbeat = heartbeat
	if err := heartbeat.Start(s.config.HeartbeatInt(), func() error {
		s.heartbeatPass()
		return nil
	}, false); err != nil {
		return err
	}

	// Resume channels which were ingesting before the node restarted
	active, err := s.dbClient.ListIngestActiveChannels(ctxt)
	if err != nil {
		return err
	}
	for _, channel := range active {
		log.
			WithFields(logTags).
			WithField("channel-id", channel.ID).
			Info("Resuming channel ingest")
		if err := s.StartIngest(ctxt, channel.ID); err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("channel-id", channel.ID).
				Error("Channel ingest resume failed")
		}
	}

	return nil
}

func (s *supervisorImpl) Stop(ctxt context.Context) error {
	logTags := s.GetLogTagsForContext(ctxt)

	// Ask every channel loop to exit and terminate its transcoder. The
	// ingest active flags are left alone so ingest resumes on restart.
	s.lock.Lock()
	for _, runtime := range s.channels {
		runtime.stopRequested = true
		runtime.cancel()
		if runtime.process != nil {
			s.terminateProcess(runtime.process)
		}
	}
	s.lock.Unlock()

	s.runtimeCancel()

	waitCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := goutils.TimeBoundedWaitGroupWait(waitCtxt, &s.wg, time.Second*10); err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel loops did not exit in time")
		// Anything still alive gets a hard kill
		s.lock.Lock()
		for _, runtime := range s.channels {
			if runtime.process != nil {
				_ = runtime.process.Kill()
			}
		}
		s.lock.Unlock()
	}

	return s.watcher.Stop(ctxt)
}

func (s *supervisorImpl) StartIngest(ctxt context.Context, channelID string) error {
	logTags := s.GetLogTagsForContext(ctxt)

	channel, err := s.dbClient.GetChannel(ctxt, channelID)
	if err != nil {
		return err
	}

	s.lock.Lock()
	if _, exists := s.channels[channelID]; exists {
		s.lock.Unlock()
		// Already supervised
		return nil
	}
	s.lock.Unlock()

	// Single shot probe before supervision begins. An unreachable source
	// fails the call; the restart loop only covers transcoders which were
	// already running.
	_, probeErr := s.prober.Probe(ctxt, channel.RTSPURL)
	if err := s.dbClient.SetChannelProbeResult(ctxt, channelID, probeErr == nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Probe result persist failed")
	}
	if probeErr != nil {
		log.
			WithError(probeErr).
			WithFields(logTags).
			WithField("channel-id", channelID).
			Warn("RTSP probe failed")
		return probeErr
	}

	liveDir := filepath.Join(s.layout.HLSDir("live"), channelID)
	channelCtxt, channelCancel := context.WithCancel(s.runtimeCtxt)
	runtime := &channelRuntime{
		channel: channel,
		state: ChannelRuntimeState{
			ChannelID: channelID,
			Status:    StatusProbing,
		},
		liveDir:  liveDir,
		cancel:   channelCancel,
		detector: newMotionDetector(channel.MotionSensitivity),
	}

	s.lock.Lock()
	if _, exists := s.channels[channelID]; exists {
		s.lock.Unlock()
		channelCancel()
		return nil
	}
	s.channels[channelID] = runtime
	s.liveDirIndex[liveDir] = channelID
	s.lock.Unlock()

	if err := s.dbClient.SetChannelIngestState(ctxt, channelID, true); err != nil {
		s.dropChannel(channelID)
		channelCancel()
		return err
	}

	s.wg.Add(1)
	go s.runChannel(channelCtxt, runtime)
	return nil
}

func (s *supervisorImpl) StopIngest(ctxt context.Context, channelID string) error {
	s.lock.Lock()
	runtime, exists := s.channels[channelID]
	if !exists {
		s.lock.Unlock()
		// Verify the channel exists at all before declaring success
		if _, err := s.dbClient.GetChannel(ctxt, channelID); err != nil {
			return err
		}
		return s.dbClient.SetChannelIngestState(ctxt, channelID, false)
	}
	runtime.stopRequested = true
	runtime.cancel()
	process := runtime.process
	s.lock.Unlock()

	if process != nil {
		s.terminateProcess(process)
	}

	if err := s.dbClient.SetChannelIngestState(ctxt, channelID, false); err != nil {
		return err
	}

	return s.broadcaster.Broadcast(ctxt, utils.Event{
		Type:      utils.EventTypeIngestStopped,
		Timestamp: time.Now().UTC(),
		TenantID:  runtime.channel.TenantID,
		ChannelID: channelID,
	})
}

func (s *supervisorImpl) GetChannelState(
	ctxt context.Context, channelID string,
) (ChannelRuntimeState, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if runtime, exists := s.channels[channelID]; exists {
		return runtime.state, nil
	}
	if _, err := s.dbClient.GetChannel(ctxt, channelID); err != nil {
		return ChannelRuntimeState{}, err
	}
	return ChannelRuntimeState{ChannelID: channelID, Status: StatusInactive}, nil
}

// terminateProcess graceful terminate with a hard kill after the grace
// window
func (s *supervisorImpl) terminateProcess(process *os.Process) {
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.StopGrace()):
		_ = process.Kill()
	}
}

// dropChannel remove a channel from the supervision maps
func (s *supervisorImpl) dropChannel(channelID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if runtime, exists := s.channels[channelID]; exists {
		delete(s.liveDirIndex, runtime.liveDir)
		delete(s.channels, channelID)
	}
}

// runChannel per channel supervision loop. Launches the transcoder and
// restarts it with exponential backoff on unexpected exits until stopped or
// the failure budget runs out. The RTSP probe happens once in StartIngest,
// before this loop begins.
func (s *supervisorImpl) runChannel(ctxt context.Context, runtime *channelRuntime) {
	defer s.wg.Done()
	defer s.dropChannel(runtime.channel.ID)

	logTags := s.GetLogTagsForContext(ctxt)
	logTags["channel-id"] = runtime.channel.ID

	backoff := time.Second

	for {
		if ctxt.Err() != nil || runtime.stopRequested {
			return
		}

		runStart := time.Now()
		if err := s.runTranscoderOnce(ctxt, runtime); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Transcoder run ended with error")
		}
		cleanRuntime := time.Since(runStart)

		if ctxt.Err() != nil || runtime.stopRequested {
			return
		}

		// A long clean run forgives earlier failures
		if cleanRuntime >= s.config.BackoffResetAfter() {
			s.lock.Lock()
			runtime.state.ConsecutiveFailures = 0
			s.lock.Unlock()
			backoff = time.Second
		}

		s.lock.Lock()
		runtime.state.ConsecutiveFailures++
		failures := runtime.state.ConsecutiveFailures
		s.lock.Unlock()
		restartMetrics.With(prometheus.Labels{"channel": runtime.channel.ID}).Inc()

		if failures >= s.config.MaxConsecutiveFailures {
			log.WithFields(logTags).Error("Channel exhausted its restart budget")
			s.setChannelStatus(runtime, StatusInactive)
			if err := s.dbClient.SetChannelIngestState(ctxt, runtime.channel.ID, false); err != nil {
				log.WithError(err).WithFields(logTags).Error("Ingest state persist failed")
			}
			if err := s.broadcaster.Broadcast(ctxt, utils.Event{
				Type:      utils.EventTypeIngestFailure,
				Timestamp: time.Now().UTC(),
				TenantID:  runtime.channel.TenantID,
				ChannelID: runtime.channel.ID,
				Detail: map[string]string{
					"consecutive_failures": fmt.Sprintf("%d", failures),
				},
			}); err != nil {
				log.WithError(err).WithFields(logTags).Error("Ingest failure broadcast failed")
			}
			return
		}

		select {
		case <-ctxt.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.config.RestartBackoffMax() {
			backoff = s.config.RestartBackoffMax()
		}
	}
}

// runTranscoderOnce launch the transcoder and block until it exits
func (s *supervisorImpl) runTranscoderOnce(
	ctxt context.Context, runtime *channelRuntime,
) error {
	logTags := s.GetLogTagsForContext(ctxt)
	logTags["channel-id"] = runtime.channel.ID

	if err := os.MkdirAll(runtime.liveDir, 0o750); err != nil {
		return err
	}
	if err := s.watcher.AddDir(ctxt, runtime.liveDir); err != nil {
		return err
	}
	defer func() { _ = s.watcher.RemoveDir(ctxt, runtime.liveDir) }()

	playlistPath := filepath.Join(runtime.liveDir, "live.m3u8")

	// RTSP over TCP into a rolling H.264 + AAC HLS tree
	cmd := exec.Command(
		s.transcoderConfig.Path,
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", runtime.channel.RTSPURL,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", s.transcoderConfig.SegmentLengthInSec),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(runtime.liveDir, "seg-%05d.ts"),
		playlistPath,
	)
	if err := cmd.Start(); err != nil {
		return err
	}

	s.lock.Lock()
	runtime.process = cmd.Process
	runtime.state.Status = StatusRunning
	runtime.state.PID = cmd.Process.Pid
	runtime.state.PlaylistPath = playlistPath
	runtime.state.LastSegmentAt = time.Now().UTC()
	s.lock.Unlock()

	if err := s.dbClient.SetChannelPlaylistPath(
		ctxt, runtime.channel.ID, playlistPath,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Playlist path persist failed")
	}

	// Stop the transcoder when the channel context ends
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctxt.Done():
		s.terminateProcess(cmd.Process)
		<-waitDone
		waitErr = ctxt.Err()
	case waitErr = <-waitDone:
	}

	s.lock.Lock()
	runtime.process = nil
	runtime.state.PID = 0
	runtime.paused = false
	runtime.state.BackpressureActive = false
	s.lock.Unlock()

	return waitErr
}

// setChannelStatus update the runtime status under lock
func (s *supervisorImpl) setChannelStatus(runtime *channelRuntime, status ChannelStatus) {
	s.lock.Lock()
	defer s.lock.Unlock()
	runtime.state.Status = status
}

// handleSegmentEvent route a new segment file to its channel: liveness
// refresh plus an optional motion sample
func (s *supervisorImpl) handleSegmentEvent(event utils.SegmentFileEvent) {
	logTags := s.GetLogTagsForContext(s.runtimeCtxt)

	dir := filepath.Dir(event.Name)

	s.lock.Lock()
	channelID, known := s.liveDirIndex[dir]
	if !known {
		s.lock.Unlock()
		return
	}
	runtime := s.channels[channelID]
	runtime.state.LastSegmentAt = time.Now().UTC()
	if runtime.state.Status == StatusDegraded {
		runtime.state.Status = StatusRunning
	}
	motionEnabled := runtime.channel.MotionEnabled
	s.lock.Unlock()

	if !motionEnabled || !strings.HasSuffix(event.Name, ".ts") {
		return
	}

	frame, err := s.sampler.SampleFrame(s.runtimeCtxt, event.Name)
	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("channel-id", channelID).
			Debug("Motion sample skipped")
		return
	}

	s.lock.Lock()
	motion, changedFraction := runtime.detector.Sample(frame)
	s.lock.Unlock()
	if !motion {
		return
	}

	log.
		WithFields(logTags).
		WithField("channel-id", channelID).
		WithField("changed-fraction", changedFraction).
		Info("Motion detected")

	if err := s.broadcaster.Broadcast(s.runtimeCtxt, utils.Event{
		Type:      utils.EventTypeMotionDetected,
		Timestamp: time.Now().UTC(),
		TenantID:  runtime.channel.TenantID,
		ChannelID: channelID,
		Detail: map[string]string{
			"segment":          filepath.Base(event.Name),
			"changed_fraction": fmt.Sprintf("%.4f", changedFraction),
		},
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Motion broadcast failed")
	}

	if s.config.RecordMotionEvents {
		s.recordMotionEvent(runtime, event)
	}
}

// recordMotionEvent persist the triggering segment as a motion recording
func (s *supervisorImpl) recordMotionEvent(
	runtime *channelRuntime, event utils.SegmentFileEvent,
) {
	logTags := s.GetLogTagsForContext(s.runtimeCtxt)

	now := time.Now().UTC()
	channelID := runtime.channel.ID
	entry := common.Recording{
		ID: fmt.Sprintf(
			"%s_motion_%s", runtime.channel.ID, now.Format("20060102_150405.000"),
		),
		TenantID:       runtime.channel.TenantID,
		ChannelID:      &channelID,
		Filename:       filepath.Base(event.Name),
		ArtifactPath:   event.Name,
		FileSize:       event.Meta.Size(),
		Duration:       s.transcoderConfig.SegmentLengthInSec,
		StartTime:      now,
		MotionDetected: true,
		Encryption:     common.EncryptionModeNone,
		Type:           common.RecordingTypeMotion,
	}
	if err := s.dbClient.RecordRecording(s.runtimeCtxt, entry); err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("channel-id", runtime.channel.ID).
			Error("Motion recording persist failed")
	}
}

// heartbeatPass one liveness and backpressure sweep over all channels
func (s *supervisorImpl) heartbeatPass() {
	logTags := s.GetLogTagsForContext(s.runtimeCtxt)

	// Segments should land at least this often
	stallWindow := time.Duration(s.transcoderConfig.SegmentLengthInSec)*time.Second*3 +
		s.config.HeartbeatInt()

	below, diskErr := s.diskMonitor.BelowWatermark(s.runtimeCtxt)
	if diskErr != nil {
		log.WithError(diskErr).WithFields(logTags).Error("Disk usage check failed")
	}

	type pendingSignal struct {
		runtime *channelRuntime
		process *os.Process
		signal  syscall.Signal
		paused  bool
	}
	var signals []pendingSignal
	var stalled []*os.Process

	s.lock.Lock()
	for _, runtime := range s.channels {
		if runtime.process == nil {
			continue
		}

		// Stall detection. A kill drops the process back into the restart
		// loop with backoff.
		if runtime.state.Status == StatusRunning &&
			time.Since(runtime.state.LastSegmentAt) > stallWindow {
			log.
				WithFields(logTags).
				WithField("channel-id", runtime.channel.ID).
				Warn("Channel segment output stalled")
			runtime.state.Status = StatusDegraded
			stalled = append(stalled, runtime.process)
			continue
		}

		// Backpressure. Pause the transcoder while the disk sits below the
		// watermark, resume once space recovers.
		if diskErr == nil {
			if below && !runtime.paused {
				signals = append(signals, pendingSignal{
					runtime: runtime, process: runtime.process, signal: syscall.SIGSTOP, paused: true,
				})
			} else if !below && runtime.paused {
				signals = append(signals, pendingSignal{
					runtime: runtime, process: runtime.process, signal: syscall.SIGCONT, paused: false,
				})
			}
		}
	}
	s.lock.Unlock()

	for _, process := range stalled {
		_ = process.Kill()
	}

	for _, pending := range signals {
		if err := pending.process.Signal(pending.signal); err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("channel-id", pending.runtime.channel.ID).
				Error("Backpressure signal failed")
			continue
		}
		s.lock.Lock()
		pending.runtime.paused = pending.paused
		pending.runtime.state.BackpressureActive = pending.paused
		s.lock.Unlock()

		if err := s.broadcaster.Broadcast(s.runtimeCtxt, utils.Event{
			Type:      utils.EventTypeBackpressureChange,
			Timestamp: time.Now().UTC(),
			TenantID:  pending.runtime.channel.TenantID,
			ChannelID: pending.runtime.channel.ID,
			Detail: map[string]string{
				"paused": fmt.Sprintf("%t", pending.paused),
			},
		}); err != nil {
			log.WithError(err).WithFields(logTags).Error("Backpressure broadcast failed")
		}
	}
}

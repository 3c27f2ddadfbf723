package utils

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// SegmentFileEvent a newly produced file within a watched transcoder output
// directory
type SegmentFileEvent struct {
	// The original event
	fsnotify.Event
	// Meta file metadata
	Meta fs.FileInfo
}

// SegmentDirWatcher monitor transcoder output directories for newly written
// segment and playlist files. The supervisor uses these events for liveness
// tracking and to trigger motion sampling.
type SegmentDirWatcher interface {
	/*
		Start begin the file system watch loop

			@param ctxt context.Context - execution context
			@param runtimeCtxt context.Context - runtime context for any background tasks
	*/
	Start(ctxt, runtimeCtxt context.Context) error

	/*
		Stop end the file system watch loop

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error

	/*
		AddDir watch a transcoder output directory

			@param ctxt context.Context - execution context
			@param dir string - directory to watch
	*/
	AddDir(ctxt context.Context, dir string) error

	/*
		RemoveDir stop watching a transcoder output directory

			@param ctxt context.Context - execution context
			@param dir string - watched directory
	*/
	RemoveDir(ctxt context.Context, dir string) error
}

/*
NewSegmentDirWatcher define new SegmentDirWatcher

	@param eventChan chan SegmentFileEvent - the channel to return file events
	@returns watcher
*/
func NewSegmentDirWatcher(eventChan chan SegmentFileEvent) (SegmentDirWatcher, error) {
	logTags := log.Fields{"module": "utils", "component": "segment-dir-watcher"}

	// Define a watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define 'fsnotify' watcher")
		return nil, err
	}

	tmpCtxt, tmpCtxtCancel := context.WithCancel(context.Background())

	return &segmentDirWatchImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		eventChan:      eventChan,
		watcher:        watcher,
		watcherRunning: 0,
		watcherContext: tmpCtxt,
		contextCancel:  tmpCtxtCancel,
		wg:             nil,
	}, nil
}

// segmentDirWatchImpl implement SegmentDirWatcher
type segmentDirWatchImpl struct {
	goutils.Component
	eventChan      chan SegmentFileEvent
	watcher        *fsnotify.Watcher
	watcherRunning uint32
	wg             *sync.WaitGroup
	watcherContext context.Context
	contextCancel  func()
}

// relevantSegmentFile only finished segment and playlist files matter; the
// transcoder writes segments through ".tmp" names first
func relevantSegmentFile(path string) bool {
	return strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".m3u8")
}

func (w *segmentDirWatchImpl) Start(ctxt, runtimeCtxt context.Context) error {
	logTags := w.GetLogTagsForContext(ctxt)

	if !atomic.CompareAndSwapUint32(&w.watcherRunning, 0, 1) {
		err := fmt.Errorf("segment directory watcher already running")
		return err
	}

	// Define the actual watcher context
	watcherContext, contextCancel := context.WithCancel(runtimeCtxt)
	w.watcherContext = watcherContext
	w.contextCancel = contextCancel

	w.wg = &sync.WaitGroup{}
	w.wg.Add(1)

	// File change processing
	go func() {
		defer w.wg.Done()

		log.WithFields(logTags).Info("Starting segment directory watcher")
		defer log.WithFields(logTags).Info("Segment directory watcher stopped")

		for {
			select {
			case <-watcherContext.Done():
				log.WithFields(logTags).Info("Stopping segment directory watcher")
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					panic("Segment directory watcher event queue returned error")
				}
				// Process event
				if (event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) &&
					relevantSegmentFile(event.Name) {
					log.
						WithFields(logTags).
						WithField("path", event.Name).
						WithField("op", event.Op.String()).
						Debug("Observed new segment file")
					stat, err := os.Stat(event.Name)
					if err == nil {
						w.eventChan <- SegmentFileEvent{Event: event, Meta: stat}
					} else {
						log.
							WithError(err).
							WithFields(logTags).
							WithField("path", event.Name).
							WithField("op", event.Op.String()).
							Error("Unable to `stat` file")
					}
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					panic("Segment directory error event queue returned error")
				}
				log.WithError(err).WithFields(logTags).Error("Segment directory watch returned error")
			}
		}
	}()

	return nil
}

func (w *segmentDirWatchImpl) Stop(ctxt context.Context) error {
	w.contextCancel()
	w.wg.Wait()
	_ = atomic.SwapUint32(&w.watcherRunning, 0)
	return nil
}

func (w *segmentDirWatchImpl) AddDir(ctxt context.Context, dir string) error {
	return w.watcher.Add(dir)
}

func (w *segmentDirWatchImpl) RemoveDir(ctxt context.Context, dir string) error {
	return w.watcher.Remove(dir)
}

package utils_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/utils"
)

func TestSegmentDirWatcher(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDir := t.TempDir()

	eventChan := make(chan utils.SegmentFileEvent, 16)
	uut, err := utils.NewSegmentDirWatcher(eventChan)
	assert.Nil(err)

	assert.Nil(uut.AddDir(utCtxt, watchDir))
	assert.Nil(uut.Start(utCtxt, utCtxt))

	// A new segment file is reported
	segmentFile := filepath.Join(watchDir, "seg-00000.ts")
	assert.Nil(os.WriteFile(segmentFile, []byte("mpeg-ts"), 0o640))

	select {
	case event := <-eventChan:
		assert.Equal(segmentFile, event.Name)
		assert.NotNil(event.Meta)
	case <-time.After(time.Second * 5):
		t.Fatal("no watch event within timeout")
	}

	// Unrelated files are ignored
	assert.Nil(os.WriteFile(filepath.Join(watchDir, "scratch.bin"), []byte("x"), 0o640))
	select {
	case event := <-eventChan:
		t.Fatalf("unexpected event for '%s'", event.Name)
	case <-time.After(time.Millisecond * 300):
	}

	assert.Nil(uut.Stop(utCtxt))
}

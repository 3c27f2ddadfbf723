package rtsp

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/vigilcam/vigil/common"
)

// pixelChangeFloor per pixel luma delta below this is treated as noise
const pixelChangeFloor = 25

// backgroundBlend weight of the newest frame in the rolling background
const backgroundBlend = 0.1

// motionDetector compares sampled frames against a rolling grayscale
// background. Not safe for concurrent use; each channel owns one.
type motionDetector struct {
	background []float64
	width      int
	height     int
	threshold  float64
}

// newMotionDetector sensitivity runs 1 (least sensitive) to 10 (most)
func newMotionDetector(sensitivity int) *motionDetector {
	if sensitivity < 1 {
		sensitivity = 1
	}
	if sensitivity > 10 {
		sensitivity = 10
	}
	// Sensitivity 10 triggers at 2% changed pixels, 1 at 20%
	return &motionDetector{threshold: float64(11-sensitivity) * 0.02}
}

// Sample compare one frame against the background, then fold the frame into
// the background. The first frame only seeds the background.
func (d *motionDetector) Sample(frame image.Image) (bool, float64) {
	bounds := frame.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	luma := make([]float64, width*height)
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := frame.At(x, y).RGBA()
			// ITU-R BT.601 luma from 16 bit channels
			luma[idx] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			idx++
		}
	}

	// Resolution changes reset the background
	if d.background == nil || d.width != width || d.height != height {
		d.background = luma
		d.width = width
		d.height = height
		return false, 0
	}

	changed := 0
	for idx := range luma {
		delta := luma[idx] - d.background[idx]
		if delta < 0 {
			delta = -delta
		}
		if delta > pixelChangeFloor {
			changed++
		}
		d.background[idx] = d.background[idx]*(1-backgroundBlend) + luma[idx]*backgroundBlend
	}

	changedFraction := float64(changed) / float64(len(luma))
	return changedFraction >= d.threshold, changedFraction
}

// frameSampler extracts one decodable frame from a transcoder output segment
type frameSampler struct {
	goutils.Component
	transcoderPath string
	scratchDir     string
}

func newFrameSampler(transcoderPath, scratchDir string) *frameSampler {
	return &frameSampler{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "rtsp", "component": "frame-sampler"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		transcoderPath: transcoderPath,
		scratchDir:     scratchDir,
	}
}

// SampleFrame decode the first frame of a segment file
func (s *frameSampler) SampleFrame(
	ctxt context.Context, segmentPath string,
) (image.Image, error) {
	framePath := filepath.Join(s.scratchDir, fmt.Sprintf("frame-%s.jpg", ulid.Make().String()))
	defer func() { _ = os.Remove(framePath) }()

	execCtxt, cancel := context.WithTimeout(ctxt, time.Second*10)
	defer cancel()

	cmd := exec.CommandContext(
		execCtxt,
		s.transcoderPath,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", segmentPath,
		"-frames:v", "1",
		"-q:v", "4",
		framePath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		logTags := s.GetLogTagsForContext(ctxt)
		log.
			WithError(err).
			WithFields(logTags).
			WithField("segment", segmentPath).
			WithField("transcoder-output", string(output)).
			Debug("Frame sampling failed")
		return nil, common.WrapError(
			common.ErrCodeThumbnailUnavailable, "segment produced no decodable frame", err,
		)
	}

	content, err := os.ReadFile(framePath)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeThumbnailUnavailable, "sampled frame unreadable", err)
	}
	frame, err := jpeg.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, common.WrapError(common.ErrCodeThumbnailUnavailable, "sampled frame undecodable", err)
	}
	return frame, nil
}

package rtsp

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/vigilcam/vigil/common"
)

// ProbeResult outcome of a single shot RTSP stream probe
type ProbeResult struct {
	// VideoCodec codec of the first video stream
	VideoCodec string `json:"video_codec"`
	// Width frame width in pixels
	Width int `json:"width"`
	// Height frame height in pixels
	Height int `json:"height"`
}

// Prober verifies an RTSP source is reachable and decodable
type Prober interface {
	/*
		Probe connect to an RTSP source and read its first video stream
		parameters. The probe runs over TCP and is bounded by the configured
		timeout.

			@param ctxt context.Context - execution context
			@param rtspURL string - camera stream URL
			@returns probe result
	*/
	Probe(ctxt context.Context, rtspURL string) (ProbeResult, error)
}

// proberImpl implements Prober
type proberImpl struct {
	goutils.Component
	probePath string
	config    common.SupervisorConfig
}

/*
NewProber define a new RTSP prober

	@param probePath string - stream prober binary
	@param config common.SupervisorConfig - supervisor configuration
	@returns new Prober
*/
func NewProber(probePath string, config common.SupervisorConfig) (Prober, error) {
	return &proberImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "rtsp", "component": "prober"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		probePath: probePath,
		config:    config,
	}, nil
}

func (p *proberImpl) Probe(ctxt context.Context, rtspURL string) (ProbeResult, error) {
	logTags := p.GetLogTagsForContext(ctxt)

	execCtxt, cancel := context.WithTimeout(ctxt, p.config.ProbeTimeout())
	defer cancel()

	cmd := exec.CommandContext(
		execCtxt,
		p.probePath,
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height",
		"-of", "csv=p=0",
		rtspURL,
	)
	output, err := cmd.Output()
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("RTSP probe failed")
		return ProbeResult{}, common.WrapError(
			common.ErrCodeChannelUnreachable, "RTSP source unreachable", err,
		)
	}

	// Expected output "codec,width,height"
	fields := strings.Split(strings.TrimSpace(string(output)), ",")
	if len(fields) < 3 {
		return ProbeResult{}, common.NewError(
			common.ErrCodeChannelUnreachable,
			fmt.Sprintf("RTSP source produced no video stream metadata: '%s'", string(output)),
		)
	}
	width, _ := strconv.Atoi(fields[1])
	height, _ := strconv.Atoi(fields[2])
	return ProbeResult{VideoCodec: fields[0], Width: width, Height: height}, nil
}

package camera

import (
	"fmt"
	"strings"

	"stereo-recorder/config"
)

// Appsink element names used by EyePipeline
const (
	LeftSinkName  = "left_sink"
	RightSinkName = "right_sink"
)

// FlipElement returns the videoflip method for a configured flip, and
// whether the flip swaps width and height
func FlipElement(flip string) (method string, swapsAxes bool, err error) {
	switch flip {
	case "", "none":
		return "", false, nil
	case "rotate-180":
		return "rotate-180", false, nil
	case "rotate-90":
		return "clockwise", true, nil
	case "rotate-270":
		return "counterclockwise", true, nil
	case "vertical-flip":
		return "vertical-flip", false, nil
	case "horizontal-flip":
		return "horizontal-flip", false, nil
	}
	return "", false, fmt.Errorf("unknown flip method %q", flip)
}

// EyePipeline builds the capture branch for one camera. The branch ends in
// an NV12 full range appsink of the configured size.
func EyePipeline(sink string, eye config.EyeConfig, width, height, fps int) (string, error) {
	method, swap, err := FlipElement(eye.FlipMethod)
	if err != nil {
		return "", err
	}

	// Rotations by a quarter turn need the sensor mode transposed so the
	// flipped output keeps the configured geometry
	capW, capH := width, height
	if swap {
		capW, capH = height, width
	}

	var pipeline strings.Builder

	// libcamerasrc is addressed by its full device path; camera-id is not
	// supported by every libcamera build
	pipeline.WriteString(fmt.Sprintf(`libcamerasrc camera-name="%s"`, eye.Device))
	pipeline.WriteString(fmt.Sprintf(" ! video/x-raw,width=%d,height=%d,framerate=%d/1", capW, capH, fps))
	pipeline.WriteString(" ! queue max-size-buffers=2 leaky=downstream")
	if method != "" {
		pipeline.WriteString(" ! videoflip method=" + method)
	}
	pipeline.WriteString(" ! videoconvert")
	pipeline.WriteString(fmt.Sprintf(" ! video/x-raw,format=NV12,width=%d,height=%d,colorimetry=1:3:5:1", width, height))
	pipeline.WriteString(fmt.Sprintf(" ! appsink name=%s sync=false max-buffers=2 drop=true", sink))

	return pipeline.String(), nil
}

// StereoPipeline builds both capture branches into one launch description
func StereoPipeline(cfg config.CameraConfig) (string, error) {
	left, err := EyePipeline(LeftSinkName, cfg.Left, cfg.Width, cfg.Height, cfg.FPS)
	if err != nil {
		return "", fmt.Errorf("left camera: %w", err)
	}
	right, err := EyePipeline(RightSinkName, cfg.Right, cfg.Width, cfg.Height, cfg.FPS)
	if err != nil {
		return "", fmt.Errorf("right camera: %w", err)
	}
	return left + "  " + right, nil
}

package encoder

import (
	"fmt"
	"strings"

	"stereo-recorder/pixbuf"
)

// H264Encoders lists encoder elements in preference order
var H264Encoders = []string{"x264enc", "v4l2h264enc", "avenc_h264_omx", "openh264enc"}

// Element names used by MuxPipeline
const (
	SourceElement = "src"
	SinkElement   = "sink"
)

// EncoderElement returns the launch fragment for an H.264 encoder element
func EncoderElement(name string, opts EncodingOptions) string {
	preset := opts.Preset
	if preset == "" {
		preset = "ultrafast"
	}
	bps := opts.BitrateKbps * 1000

	switch name {
	case "v4l2h264enc":
		return fmt.Sprintf(`v4l2h264enc extra-controls="controls,video_bitrate=%d,h264_i_frame_period=%d"`,
			bps, opts.KeyframeInterval)
	case "avenc_h264_omx":
		return fmt.Sprintf("avenc_h264_omx bitrate=%d", bps)
	case "openh264enc":
		return fmt.Sprintf("openh264enc bitrate=%d", bps)
	default:
		// x264enc takes kbit/s
		return fmt.Sprintf("x264enc speed-preset=%s tune=zerolatency bitrate=%d key-int-max=%d",
			preset, opts.BitrateKbps, opts.KeyframeInterval)
	}
}

// MuxPipeline builds an appsrc to MP4 launch description for cfg. The
// filesink location is left for the caller to set as a property.
func MuxPipeline(cfg WriterConfig, encoderName string) (string, error) {
	if cfg.Format != pixbuf.FormatNV12FullRange {
		return "", fmt.Errorf("%w: format %s", ErrCannotCreateWriter, cfg.Format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return "", fmt.Errorf("%w: %dx%d is not an even frame size", ErrCannotCreateWriter, cfg.Width, cfg.Height)
	}
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}

	var pipeline strings.Builder
	pipeline.WriteString(fmt.Sprintf("appsrc name=%s format=time block=true max-bytes=%d", SourceElement, 4*cfg.Width*cfg.Height))
	pipeline.WriteString(fmt.Sprintf(" caps=video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1,colorimetry=1:3:5:1",
		cfg.Width, cfg.Height, fps))
	pipeline.WriteString(" ! queue ! videoconvert")
	pipeline.WriteString(" ! " + EncoderElement(encoderName, cfg.Encoding))
	pipeline.WriteString(" ! h264parse ! mp4mux faststart=true")
	pipeline.WriteString(fmt.Sprintf(" ! filesink name=%s", SinkElement))

	return pipeline.String(), nil
}

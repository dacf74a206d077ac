// Package gstreamer binds the capture and recording pipelines to GStreamer.
// It is the only package that needs cgo.
package gstreamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"go.uber.org/zap"

	"stereo-recorder/encoder"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

// ElementAvailable checks if a GStreamer element can be instantiated
func ElementAvailable(name string) bool {
	ensureInit()
	elem, err := gst.NewElement(name)
	if err != nil || elem == nil {
		return false
	}
	elem.SetState(gst.StateNull)
	return true
}

// ProbeH264Encoder returns the first available H.264 encoder, or "" if none
func ProbeH264Encoder(logger *zap.Logger) string {
	for _, name := range encoder.H264Encoders {
		if ElementAvailable(name) {
			logger.Info("Using H.264 encoder", zap.String("encoder", name))
			return name
		}
	}
	logger.Warn("No H.264 encoder available")
	return ""
}

// waitBus pops bus messages until done reports true for one, an error is
// posted, or ctx expires
func waitBus(ctx context.Context, pipeline *gst.Pipeline, done func(msg *gst.Message) bool) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error [%s]: %s", ClassifyError(gerr), gerr.Error())
		}
		if done(msg) {
			return nil
		}
	}
}

// reachedState reports whether msg says pipeline entered state
func reachedState(pipeline *gst.Pipeline, state gst.State) func(msg *gst.Message) bool {
	return func(msg *gst.Message) bool {
		if msg.Type() != gst.MessageStateChanged || msg.Source() != pipeline.GetName() {
			return false
		}
		_, newState := msg.ParseStateChanged()
		return newState == state
	}
}

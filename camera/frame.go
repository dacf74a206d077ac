package camera

import (
	"context"
	"errors"
	"time"

	"stereo-recorder/calibration"
	"stereo-recorder/pixbuf"
)

// ErrUpstreamSessionFailed means the camera session could not start or died
var ErrUpstreamSessionFailed = errors.New("upstream camera session failed")

// EyeSample is one camera's contribution to a stereo frame
type EyeSample struct {
	Buffer      *pixbuf.Buffer
	Calibration calibration.Eye
	Timestamp   time.Duration
}

// StereoFrame pairs left and right samples captured together. Either side
// may be nil when the source could not deliver it.
type StereoFrame struct {
	Seq       uint64
	Left      *EyeSample
	Right     *EyeSample
	Timestamp time.Duration // capture clock, taken from the left eye
}

// Complete reports whether both eyes carry a buffer
func (f *StereoFrame) Complete() bool {
	return f.Left != nil && f.Right != nil && f.Left.Buffer != nil && f.Right.Buffer != nil
}

// Snapshot returns the calibration of both eyes
func (f *StereoFrame) Snapshot() calibration.Snapshot {
	var left, right calibration.Eye
	if f.Left != nil {
		left = f.Left.Calibration
	}
	if f.Right != nil {
		right = f.Right.Calibration
	}
	return calibration.NewSnapshot(left, right)
}

// Release drops the frame's references to its eye buffers
func (f *StereoFrame) Release() {
	for _, s := range []*EyeSample{f.Left, f.Right} {
		if s != nil && s.Buffer != nil {
			s.Buffer.Release()
			s.Buffer = nil
		}
	}
}

// SourceStats is a snapshot of source counters
type SourceStats struct {
	Running   bool   `json:"running"`
	Frames    uint64 `json:"frames"`
	Dropped   uint64 `json:"dropped"`
	Unpaired  uint64 `json:"unpaired"`
	LastError string `json:"last_error,omitempty"`
}

// Source produces stereo frames. The channel returned by Start is closed
// when the source stops; Err then tells a clean stop from a failure.
// Receivers own each frame and must Release it.
type Source interface {
	Start(ctx context.Context) (<-chan *StereoFrame, error)
	Err() error
	Stop() error
	Stats() SourceStats
}

package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"stereo-recorder/calibration"
	"stereo-recorder/pixbuf"
)

// TestSyntheticSourceFrames tests bounded generation and calibration tagging
func TestSyntheticSourceFrames(t *testing.T) {
	calFor := func(seq uint64) calibration.Snapshot {
		left := calibration.Eye{Intrinsics: calibration.Identity3(), Extrinsics: calibration.Identity4()}
		left.Intrinsics[0][0] = float32(seq)
		return calibration.NewSnapshot(left, left)
	}

	src, err := NewSyntheticSource(SyntheticOptions{
		Width:          16,
		Height:         8,
		FPS:            30,
		Frames:         5,
		Epoch:          time.Second,
		CalibrationFor: calFor,
		MissingEye:     func(seq uint64) bool { return seq == 3 },
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSyntheticSource failed: %v", err)
	}

	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var got []*StereoFrame
	for f := range frames {
		got = append(got, f)
	}
	if len(got) != 5 {
		t.Fatalf("received %d frames, want 5", len(got))
	}

	for i, f := range got {
		seq := uint64(i + 1)
		if f.Seq != seq {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
		wantTS := time.Second + time.Duration(i)*(time.Second/30)
		if f.Timestamp != wantTS {
			t.Errorf("frame %d ts = %v, want %v", i, f.Timestamp, wantTS)
		}
		if f.Left.Calibration.Intrinsics[0][0] != float32(seq) {
			t.Errorf("frame %d calibration fx = %v", i, f.Left.Calibration.Intrinsics[0][0])
		}
		if f.Complete() == (seq == 3) {
			t.Errorf("frame %d Complete() = %v", i, f.Complete())
		}
		if f.Left.Buffer.Format() != pixbuf.FormatNV12FullRange || !f.Left.Buffer.ReadOnly() {
			t.Errorf("frame %d left buffer should be frozen NV12", i)
		}
		f.Release()
	}

	if err := src.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean end", err)
	}
	if st := src.Stats(); st.Frames != 5 || st.Running {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestSyntheticSourceEyesDiffer tests that each eye gets its own chroma tint
func TestSyntheticSourceEyesDiffer(t *testing.T) {
	src, err := NewSyntheticSource(SyntheticOptions{Width: 4, Height: 4, Frames: 1}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSyntheticSource failed: %v", err)
	}
	frames, _ := src.Start(context.Background())
	f := <-frames
	defer f.Release()

	// every chroma pair carries the eye's tint
	chroma := func(b *pixbuf.Buffer) (cb, cr byte, flat bool) {
		flat = true
		b.Read(func(planes []pixbuf.Plane) error {
			cb, cr = planes[1].Row(0)[0], planes[1].Row(0)[1]
			for y := 0; y < planes[1].Height; y++ {
				row := planes[1].Row(y)
				for x := 0; x+1 < len(row); x += 2 {
					if row[x] != cb || row[x+1] != cr {
						flat = false
					}
				}
			}
			return nil
		})
		return cb, cr, flat
	}
	lcb, lcr, lflat := chroma(f.Left.Buffer)
	rcb, rcr, rflat := chroma(f.Right.Buffer)
	if !lflat || !rflat {
		t.Error("chroma plane is not a flat tint")
	}
	if lcb == rcb && lcr == rcr {
		t.Error("left and right eyes carry the same chroma")
	}
}

// TestSyntheticSourceFailure tests the upstream failure path
func TestSyntheticSourceFailure(t *testing.T) {
	src, err := NewSyntheticSource(SyntheticOptions{Width: 4, Height: 4, Frames: 2, FailAfter: true}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSyntheticSource failed: %v", err)
	}
	frames, _ := src.Start(context.Background())
	for f := range frames {
		f.Release()
	}
	if err := src.Err(); !errors.Is(err, ErrUpstreamSessionFailed) {
		t.Errorf("Err() = %v, want ErrUpstreamSessionFailed", err)
	}
}

// TestSyntheticSourceStop tests stopping an unbounded realtime source
func TestSyntheticSourceStop(t *testing.T) {
	src, err := NewSyntheticSource(SyntheticOptions{Width: 4, Height: 4, FPS: 100, Realtime: true}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSyntheticSource failed: %v", err)
	}
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f := <-frames
	f.Release()

	if _, err := src.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for f := range frames {
		f.Release()
	}
	if src.Stats().Running {
		t.Error("source still running after Stop")
	}
}

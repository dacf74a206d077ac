package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPersistFailed is returned when a snapshot cannot be written
var ErrPersistFailed = errors.New("calibration persist failed")

// Eye holds the calibration of one camera
type Eye struct {
	Intrinsics Matrix3x3
	Extrinsics Matrix4x4
}

// Snapshot is the stereo calibration captured at the start of a recording
type Snapshot struct {
	LeftIntrinsics  Matrix3x3 `json:"left_intrinsics"`
	LeftExtrinsics  Matrix4x4 `json:"left_extrinsics"`
	RightIntrinsics Matrix3x3 `json:"right_intrinsics"`
	RightExtrinsics Matrix4x4 `json:"right_extrinsics"`
}

// NewSnapshot combines the calibration of both eyes
func NewSnapshot(left, right Eye) Snapshot {
	return Snapshot{
		LeftIntrinsics:  left.Intrinsics,
		LeftExtrinsics:  left.Extrinsics,
		RightIntrinsics: right.Intrinsics,
		RightExtrinsics: right.Extrinsics,
	}
}

// Left returns the left eye calibration
func (s Snapshot) Left() Eye {
	return Eye{Intrinsics: s.LeftIntrinsics, Extrinsics: s.LeftExtrinsics}
}

// Right returns the right eye calibration
func (s Snapshot) Right() Eye {
	return Eye{Intrinsics: s.RightIntrinsics, Extrinsics: s.RightExtrinsics}
}

// Save writes the snapshot to path. The file appears complete or not at all.
func Save(path string, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".calibration-*.json")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	return nil
}

// Load reads a snapshot written by Save
func Load(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read calibration: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse calibration: %w", err)
	}
	return s, nil
}

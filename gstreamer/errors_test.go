//go:build integration

package gstreamer

import "testing"

// TestClassifyText tests error message classification
func TestClassifyText(t *testing.T) {
	tests := []struct {
		text string
		want ErrorCategory
	}{
		{"Could not open file \"/data/video.mp4\" for writing", ErrCategoryStorage},
		{"Error writing to file: No space left on device", ErrCategoryStorage},
		{"Internal data stream error. streaming stopped, reason not-negotiated", ErrCategoryNegotiation},
		{"libcamerasrc: Camera name not found", ErrCategoryDevice},
		{"Device or resource busy", ErrCategoryDevice},
		{"something odd happened", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := classifyText(tt.text); got != tt.want {
			t.Errorf("classifyText(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}

	if got := ClassifyError(nil); got != ErrCategoryUnknown {
		t.Errorf("ClassifyError(nil) = %s", got)
	}
}

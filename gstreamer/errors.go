package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for logs and notifications
type ErrorCategory int

const (
	// ErrCategoryDevice covers missing, busy or inaccessible cameras
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation covers caps and format mismatches
	ErrCategoryNegotiation
	// ErrCategoryStorage covers failures writing the output file
	ErrCategoryStorage
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns the category name
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryStorage, []string{"no space", "could not write", "could not open file", "read-only file system", "filesink"}},
	{ErrCategoryNegotiation, []string{"not-negotiated", "not negotiated", "caps", "format", "internal data stream error"}},
	{ErrCategoryDevice, []string{"camera", "device", "busy", "permission", "not found", "libcamera", "no such"}},
}

// ClassifyError categorizes a GStreamer error. go-gst's GError does not
// expose its domain, so classification matches on the message text.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyText(gerr.Error() + " " + gerr.DebugString())
}

func classifyText(text string) ErrorCategory {
	text = strings.ToLower(text)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(text, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}

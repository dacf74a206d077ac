package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"stereo-recorder/config"
	"stereo-recorder/pixbuf"
	"stereo-recorder/recorder"
)

// Recorder is the capture loop as seen by the HTTP API
type Recorder interface {
	SetRecording(on bool)
	Requested() bool
	Status() recorder.Status
	Preview() *recorder.Preview
}

// CameraStatus reports the camera side
type CameraStatus interface {
	GetStatus() map[string]interface{}
	IsRunning() bool
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	recorder Recorder
	cameras  CameraStatus
	hub      *Hub
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config: cfg,
		logger: logger,
	}
}

// HandleAPIStatus returns the recorder and camera status
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"advertise_ip": h.config.Server.AdvertiseIP,
			"web_port":     h.config.Server.WebPort,
			"running":      true,
		},
	}

	if h.recorder != nil {
		status["recording"] = h.recorder.Status()
	}
	if h.cameras != nil {
		status["camera"] = h.cameras.GetStatus()
	}
	if h.hub != nil {
		status["clients"] = h.hub.ClientCount()
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStartRecording requests a recording
func (h *Handlers) HandleAPIStartRecording(w http.ResponseWriter, r *http.Request) {
	h.setRecording(w, r, true)
}

// HandleAPIStopRecording requests the recording to stop
func (h *Handlers) HandleAPIStopRecording(w http.ResponseWriter, r *http.Request) {
	h.setRecording(w, r, false)
}

func (h *Handlers) setRecording(w http.ResponseWriter, r *http.Request, on bool) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.recorder == nil {
		h.writeErrorResponse(w, "Recorder not available", http.StatusServiceUnavailable)
		return
	}

	h.recorder.SetRecording(on)
	action := "stop_recording"
	if on {
		action = "start_recording"
	}
	h.writeJSONResponse(w, map[string]interface{}{
		"action":    action,
		"requested": h.recorder.Requested(),
	})
}

// HandleAPIPreview returns the live composite as a WebP still
func (h *Handlers) HandleAPIPreview(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		h.writeErrorResponse(w, "Recorder not available", http.StatusServiceUnavailable)
		return
	}

	buf, seq := h.recorder.Preview().Acquire()
	if buf == nil {
		h.writeErrorResponse(w, "No preview available", http.StatusServiceUnavailable)
		return
	}
	img, err := pixbuf.ToYCbCr(buf)
	buf.Release()
	if err != nil {
		h.logger.Error("Failed to read preview frame", zap.Error(err))
		h.writeErrorResponse(w, "Preview unavailable", http.StatusInternalServerError)
		return
	}

	var out bytes.Buffer
	if err := nativewebp.Encode(&out, scalePreview(img, h.config.Preview.Width), nil); err != nil {
		h.logger.Error("Failed to encode preview", zap.Error(err))
		h.writeErrorResponse(w, "Preview unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

// scalePreview converts src to RGBA, downscaled to width when it is wider
func scalePreview(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() {
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	height := max(b.Dy()*width/b.Dx(), 1)
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}
	if h.cameras != nil {
		if h.cameras.IsRunning() {
			services["camera"] = "running"
		} else {
			services["camera"] = "stopped"
		}
	}
	if h.hub != nil {
		services["event_hub"] = fmt.Sprintf("running (%d clients)", h.hub.ClientCount())
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}

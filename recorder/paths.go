package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// timestampLayout names recordings by local wall clock, one per second
const timestampLayout = "2006-01-02-15-04-05"

// Paths are the files produced by one recording
type Paths struct {
	Video string
	Data  string
}

// PathGenerator hands out video and calibration paths. A second recording
// started within the same second gets a " - dupN" suffix on both files.
type PathGenerator struct {
	videoDir string
	dataDir  string
	now      func() time.Time

	mu      sync.Mutex
	claimed map[string]bool
}

// NewPathGenerator creates a generator writing into videoDir and dataDir
func NewPathGenerator(videoDir, dataDir string) *PathGenerator {
	return &PathGenerator{
		videoDir: videoDir,
		dataDir:  dataDir,
		now:      time.Now,
		claimed:  make(map[string]bool),
	}
}

// Next creates the output directories and returns unused paths
func (g *PathGenerator) Next() (Paths, error) {
	for _, dir := range []string{g.videoDir, g.dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Paths{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	stamp := g.now().Format(timestampLayout)
	for n := 0; ; n++ {
		suffix := ""
		if n > 0 {
			suffix = fmt.Sprintf(" - dup%d", n)
		}
		p := Paths{
			Video: filepath.Join(g.videoDir, "video-"+stamp+suffix+".mp4"),
			Data:  filepath.Join(g.dataDir, "data-"+stamp+suffix+".json"),
		}
		if g.taken(p.Video) || g.taken(p.Data) {
			continue
		}
		g.claimed[p.Video] = true
		g.claimed[p.Data] = true
		return p, nil
	}
}

func (g *PathGenerator) taken(path string) bool {
	if g.claimed[path] {
		return true
	}
	_, err := os.Lstat(path)
	return err == nil
}

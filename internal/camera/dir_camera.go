package camera

import (
	"bytes"
	"context"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cropsight/edge-agent/internal/errdefs"
)

// DirCamera replays JPEG files from a directory at a fixed frame interval.
// Used for development and simulation rigs without a physical camera.
type DirCamera struct {
	Dir      string
	Interval time.Duration
	Loop     bool
}

// Open lists the directory and returns a handle over its JPEG files. An empty
// or unreadable directory is a hardware failure, mirroring a missing device.
func (c *DirCamera) Open(ctx context.Context) (Handle, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, errdefs.Hardware(c.Dir, err)
	}
	var files []string
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			files = append(files, filepath.Join(c.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errdefs.Hardware(c.Dir, os.ErrNotExist)
	}
	sort.Strings(files)
	interval := c.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &dirHandle{files: files, interval: interval, loop: c.Loop}, nil
}

type dirHandle struct {
	files    []string
	interval time.Duration
	loop     bool

	mu     sync.Mutex
	next   int
	seq    uint64
	closed bool
}

func (h *dirHandle) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(h.interval):
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, os.ErrClosed
	}
	if h.next >= len(h.files) {
		if !h.loop {
			h.mu.Unlock()
			return nil, io.EOF
		}
		h.next = 0
	}
	path := h.files[h.next]
	h.next++
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Hardware(path, err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Hardware(path, err)
	}
	return &Frame{
		Data:       data,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Seq:        seq,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (h *dirHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

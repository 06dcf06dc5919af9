package headless

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/backend"
	"github.com/valerio/go-emucore/emucore/backend/wavsink"
)

// Backend implements the Backend interface for automated testing and batch processing
type Backend struct {
	config         backend.Config
	frameCount     int
	maxFrames      int
	snapshotConfig SnapshotConfig
	audio          *wavsink.Sink
	logger         *slog.Logger
}

// SnapshotConfig holds configuration for frame snapshots
type SnapshotConfig struct {
	Enabled   bool
	Interval  int    // Save snapshot every N frames
	Directory string // Directory to save snapshots
	Name      string // Machine name for snapshot filenames
}

// Option configures a headless Backend.
type Option func(*Backend)

// WithAudio writes every audio chunk to sink. The backend closes it on
// Cleanup.
func WithAudio(sink *wavsink.Sink) Option {
	return func(h *Backend) { h.audio = sink }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Backend) { h.logger = l }
}

func New(maxFrames int, snapshotConfig SnapshotConfig, opts ...Option) *Backend {
	h := &Backend{
		maxFrames:      maxFrames,
		snapshotConfig: snapshotConfig,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Backend) Init(config backend.Config) error {
	h.config = config
	h.logger.Info("Running headless mode",
		"title", config.Title,
		"frames", h.maxFrames,
		"snapshot_interval", h.snapshotConfig.Interval,
		"snapshot_dir", h.snapshotConfig.Directory,
		"audio", h.audio != nil)
	return nil
}

// Update processes a frame and handles snapshots
func (h *Backend) Update(frame backend.Frame) ([]backend.Action, error) {
	if h.audio != nil {
		for _, chunk := range frame.Audio {
			if err := h.audio.Write(chunk); err != nil {
				return nil, err
			}
		}
	}

	h.frameCount++

	// Save snapshot if needed
	if h.snapshotConfig.Enabled && h.frameCount%h.snapshotConfig.Interval == 0 {
		h.saveSnapshot(frame)
	}

	// Log progress periodically
	if h.frameCount%10 == 0 {
		h.logger.Debug("Frame progress", "completed", h.frameCount, "total", h.maxFrames, "tick", frame.Tick)
	}

	if h.maxFrames <= 0 || h.frameCount < h.maxFrames {
		return nil, nil
	}

	// Save final snapshot if enabled and we haven't just saved one
	if h.snapshotConfig.Enabled && h.frameCount%h.snapshotConfig.Interval != 0 {
		h.saveSnapshot(frame)
	}

	if h.snapshotConfig.Enabled {
		h.logger.Info("Headless execution completed", "frames", h.frameCount, "tick", frame.Tick, "png_snapshots_saved_to", h.snapshotConfig.Directory)
	} else {
		h.logger.Info("Headless execution completed", "frames", h.frameCount, "tick", frame.Tick)
	}
	return []backend.Action{backend.ActionQuit}, nil
}

// FrameCount returns the number of frames processed.
func (h *Backend) FrameCount() int {
	return h.frameCount
}

func (h *Backend) Cleanup() error {
	if h.audio == nil {
		return nil
	}
	h.logger.Info("Audio capture finished", "frames", h.audio.Frames())
	return h.audio.Close()
}

// CreateSnapshotConfig creates a snapshot configuration from CLI parameters
func CreateSnapshotConfig(interval int, directory, name string) (SnapshotConfig, error) {
	config := SnapshotConfig{
		Enabled:  interval > 0,
		Interval: interval,
	}

	if !config.Enabled {
		return config, nil
	}

	// Set up snapshot directory
	if directory == "" {
		tempDir, err := os.MkdirTemp("", "emucore-snapshots-*")
		if err != nil {
			return config, errors.Wrap(err, "failed to create snapshot directory")
		}
		config.Directory = tempDir
	} else {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return config, errors.Wrap(err, "failed to create snapshot directory")
		}
		config.Directory = directory
	}

	config.Name = filepath.Base(name)
	config.Name = strings.TrimSuffix(config.Name, filepath.Ext(config.Name))

	return config, nil
}

// saveSnapshot saves a PNG snapshot for the current frame
func (h *Backend) saveSnapshot(frame backend.Frame) {
	pngBaseName := fmt.Sprintf("%s_frame_%d", h.snapshotConfig.Name, h.frameCount)

	if _, err := backend.SaveFramePNG(frame.Video, pngBaseName, h.snapshotConfig.Directory); err != nil {
		h.logger.Error("Failed to save PNG snapshot", "frame", h.frameCount, "error", err)
	}
}

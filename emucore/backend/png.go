package backend

import (
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/fabric"
)

// SaveFramePNG saves a frame as a timestamped PNG in directory, or in the
// working directory if it is empty. It returns the written path.
func SaveFramePNG(frame *fabric.FrameBuffer, baseName, directory string) (string, error) {
	if frame == nil {
		return "", errors.New("no frame to save")
	}

	outputDir := directory
	if outputDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "failed to get current directory")
		}
		outputDir = cwd
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", baseName, timestamp))
	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create file %s", path)
	}
	defer file.Close()

	if err := png.Encode(file, frame.Image()); err != nil {
		return "", errors.Wrap(err, "failed to encode PNG")
	}

	slog.Debug("Frame saved", "path", path, "size", fmt.Sprintf("%dx%d", frame.Width(), frame.Height()))
	return path, nil
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/valerio/go-emucore/emucore"
	"github.com/valerio/go-emucore/emucore/backend"
	"github.com/valerio/go-emucore/emucore/backend/headless"
	"github.com/valerio/go-emucore/emucore/backend/terminal"
	"github.com/valerio/go-emucore/emucore/backend/wavsink"
	"github.com/valerio/go-emucore/emucore/timing"
	"github.com/valerio/go-emucore/emucore/topology"
)

func main() {
	app := cli.NewApp()
	app.Name = "emucore"
	app.Description = "Runs machines described in YAML on the emucore scheduler"
	app.Usage = "emucore [options] <machine file>"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "machine",
			Usage: "Path to the machine description",
		},
		cli.BoolFlag{
			Name:  "headless",
			Usage: "Run the machine without a terminal interface",
		},
		cli.IntFlag{
			Name:  "frames",
			Usage: "Number of frames to run in headless mode (required for headless)",
			Value: 0,
		},
		cli.Float64Flag{
			Name:  "fps",
			Usage: "Host frames per emulated second",
			Value: 60,
		},
		cli.StringFlag{
			Name:  "limiter",
			Usage: "Frame pacing of the terminal interface: adaptive, ticker or none",
			Value: "adaptive",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "Worker goroutines for components marked parallel (0 = one per CPU)",
			Value: 0,
		},
		cli.StringFlag{
			Name:  "video",
			Usage: "Fabric slot holding video frames",
			Value: "video",
		},
		cli.StringFlag{
			Name:  "audio",
			Usage: "Fabric slot holding audio chunks",
			Value: "audio",
		},
		cli.IntFlag{
			Name:  "snapshot-interval",
			Usage: "Save frame snapshots every N frames in headless mode (0 = disabled)",
			Value: 0,
		},
		cli.StringFlag{
			Name:  "snapshot-dir",
			Usage: "Directory to save frame snapshots (default: temp directory)",
		},
		cli.StringFlag{
			Name:  "wav",
			Usage: "Write audio to this WAV file in headless mode",
		},
		cli.StringFlag{
			Name:  "state",
			Usage: "Machine state file used by save and load state",
		},
		cli.BoolFlag{
			Name:  "restore",
			Usage: "Load the state file before running",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Log at debug level and show component registers",
		},
	}
	app.Action = runMachine

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("Error running machine", "error", err)
		os.Exit(1)
	}
}

func runMachine(c *cli.Context) error {
	path := c.String("machine")
	if path == "" {
		if c.NArg() > 0 {
			path = c.Args().Get(0)
		} else {
			cli.ShowAppHelp(c)
			return errors.New("no machine file provided")
		}
	}

	topo, err := topology.LoadFile(path)
	if err != nil {
		return err
	}
	if topo.MasterHz == 0 {
		return errors.Errorf("%s: master_hz is required to pace the machine", path)
	}

	isHeadless := c.Bool("headless")
	frames := c.Int("frames")
	if isHeadless && frames <= 0 {
		return errors.New("headless mode requires --frames option with a positive value")
	}

	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	var logs *terminal.LogBuffer
	var logger *slog.Logger
	if isHeadless {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		logs = terminal.NewLogBuffer(200)
		logger = slog.New(terminal.NewLogBufferHandler(logs, slog.LevelDebug))
	}
	slog.SetDefault(logger)

	m := emucore.New(emucore.WithLogger(logger), emucore.WithWorkers(c.Int("workers")))
	if err := topology.Build(m, topo, topology.DefaultKinds(), filepath.Dir(path)); err != nil {
		return err
	}

	statePath := c.String("state")
	if c.Bool("restore") {
		if statePath == "" {
			return errors.New("--restore requires --state")
		}
		blob, err := os.ReadFile(statePath)
		if err != nil {
			return errors.Wrap(err, "read state")
		}
		if err := m.Restore(blob); err != nil {
			return err
		}
		logger.Info("State restored", "path", statePath, "tick", m.Now())
	}

	video := slotName(m, c.String("video"))
	audio := slotName(m, c.String("audio"))
	mon, err := backend.NewMonitor(m, video, audio, !isHeadless || c.Bool("debug"))
	if err != nil {
		return err
	}

	opts := []backend.RunnerOption{backend.WithStatePath(statePath), backend.WithRunnerLogger(logger)}
	var b backend.Backend
	if isHeadless {
		snapshots, err := headless.CreateSnapshotConfig(c.Int("snapshot-interval"), c.String("snapshot-dir"), path)
		if err != nil {
			return err
		}
		hopts := []headless.Option{headless.WithLogger(logger)}
		if wav := c.String("wav"); wav != "" {
			if audio == "" {
				return errors.Errorf("machine %q publishes no audio", topo.Name)
			}
			sink, err := wavsink.Create(wav)
			if err != nil {
				return err
			}
			hopts = append(hopts, headless.WithAudio(sink))
		}
		b = headless.New(frames, snapshots, hopts...)
		opts = append(opts, backend.WithDumpDir(snapshots.Directory))
	} else {
		b = terminal.New(terminal.WithLogBuffer(logs), terminal.WithLogger(logger))
		limiter, err := timing.NewLimiter(c.String("limiter"), timing.FrameDuration(c.Float64("fps")))
		if err != nil {
			return err
		}
		opts = append(opts, backend.WithLimiter(limiter))
	}

	if err := b.Init(backend.Config{Title: topo.Name, ShowDebug: !isHeadless || c.Bool("debug")}); err != nil {
		return err
	}
	defer func() {
		if err := b.Cleanup(); err != nil {
			logger.Error("Cleanup failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	ticks := timing.FrameTicks(topo.MasterHz, c.Float64("fps"))
	logger.Info("Running machine", "name", topo.Name, "components", len(m.Components()), "frame_ticks", ticks)
	r := backend.NewRunner(m, b, mon, ticks, opts...)
	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("Machine stopped", "frames", r.Frames(), "tick", m.Now())
	return nil
}

// slotName returns name if the machine has a fabric slot by that name.
func slotName(m *emucore.Machine, name string) string {
	if name == "" || !slices.Contains(m.Fabric().Names(), name) {
		return ""
	}
	return name
}

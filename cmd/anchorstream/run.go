package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"anchorstream/internal/config"
	"anchorstream/internal/display"
	"anchorstream/internal/geometry"
	"anchorstream/internal/ingest"
	"anchorstream/internal/mainloop"
	"anchorstream/internal/orchestrator"
	"anchorstream/internal/output"
	"anchorstream/internal/processing"
	"anchorstream/internal/simulator"
	"anchorstream/internal/transport"
)

const (
	loopQueueSize   = 64
	trackMaxSamples = 256
)

type runFlags struct {
	startRunning bool
	simulate     bool
	transport    string
	record       bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture frames, send them to the inference server and place markers",
		Long: "Capture frames, send them to the inference server and place markers.\n\n" +
			"SIGUSR1 toggles pause, SIGUSR2 recenters tracking.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("start-running") {
				cfg.Capture.StartPaused = !flags.startRunning
			}
			if cmd.Flags().Changed("simulate") {
				cfg.Ingest.Simulate = flags.simulate
			}
			if cmd.Flags().Changed("transport") {
				cfg.Server.Transport = flags.transport
			}
			if cmd.Flags().Changed("record") {
				cfg.Record.Enabled = flags.record
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&flags.startRunning, "start-running", false, "Start with detection running instead of paused")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "Use the built-in camera simulator instead of the capture device")
	cmd.Flags().StringVar(&flags.transport, "transport", "", "Override server.transport (http or stream)")
	cmd.Flags().BoolVar(&flags.record, "record", false, "Record the session under record.dir")
	return cmd
}

func run(parent context.Context, cfg *config.Config, logger *zap.SugaredLogger) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := mainloop.New(clock.New(), loopQueueSize)
	runTimestamp := processing.Timestamp()

	disp, closeDisplay, err := newDisplay(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeDisplay()) }()

	opts := []orchestrator.Option{orchestrator.WithStatusSink(disp)}
	if cfg.Surface.Kind == config.SurfacePlane {
		opts = append(opts, orchestrator.WithRaycaster(geometry.NewFloor(cfg.Surface.PlaneHeight)))
	}
	if cfg.Record.Enabled {
		rec, recErr := output.NewRecorder(cfg.Record.Dir, "session", logger.Named("record"))
		if recErr != nil {
			return recErr
		}
		defer func() { err = multierr.Append(err, rec.Close()) }()
		opts = append(opts, orchestrator.WithRecorder(rec))
	}

	latest := ingest.NewLatest()
	var orch *orchestrator.Orchestrator
	sender, shutdown, err := newSender(cfg, loop, logger, func() *orchestrator.Orchestrator { return orch })
	if err != nil {
		return err
	}
	defer shutdown()

	orch = orchestrator.New(orchestrator.Config{
		SendInterval: cfg.SendInterval(),
		Intrinsics:   cfg.Camera,
		StartRunning: !cfg.Capture.StartPaused,
	}, latest, sender, disp, logger.Named("orchestrator"), opts...)

	tracks := processing.NewTracks(trackMaxSamples)
	orch.OnPlaced.Subscribe(func(p orchestrator.Placed) {
		tracks.Add(p.Label, processing.Sample{
			At:       p.At,
			Position: p.Placement.Point,
			Distance: p.Placement.Distance,
			Hit:      p.Placement.Hit,
		})
	})

	events := captureEvents(ctx, cfg, logger)
	go ingest.Forward(ctx, events, latest, func(ev ingest.Event) {
		loop.Post(func() {
			switch ev.Type {
			case ingest.EventStart:
				logger.Infow("capture started", "width", ev.Intrinsics.Width, "height", ev.Intrinsics.Height)
				orch.SetIntrinsics(ev.Intrinsics)
			case ingest.EventRecenter:
				orch.Recenter()
			case ingest.EventEnd:
				logger.Info("capture ended")
			}
		})
	})

	controls := make(chan os.Signal, 1)
	signal.Notify(controls, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(controls)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-controls:
				loop.Post(func() {
					if sig == syscall.SIGUSR2 {
						orch.Recenter()
						return
					}
					orch.SetPaused(!orch.Paused())
				})
			}
		}
	}()

	logger.Infow("anchorstream running",
		"transport", cfg.Server.Transport,
		"paused", orch.Paused(),
		"simulate", cfg.Ingest.Simulate,
		"send_interval", cfg.SendInterval(),
	)
	loop.Run(ctx, cfg.TickInterval(), orch.Tick)
	orch.Close()

	stats := orch.Stats()
	received, dropped := latest.Counts()
	logger.Infow("anchorstream stopped",
		"frames_received", received,
		"frames_replaced", dropped,
		"frames_sent", stats.FramesSent,
		"skipped_busy", stats.SkippedBusy,
		"skipped_no_frame", stats.SkippedNoFrame,
		"instructions", stats.Instructions,
		"errors", stats.Errors,
		"discarded", stats.Discarded,
	)
	if cfg.Record.Enabled && tracks.Count() > 0 {
		path, werr := output.WriteTracks(cfg.Record.Dir, runTimestamp, tracks.Snapshot())
		if werr != nil {
			return werr
		}
		logger.Infow("wrote marker tracks", "path", path)
	}
	return nil
}

// statusDisplay is a display that also shows the status text.
type statusDisplay interface {
	display.Display
	display.StatusSink
}

func newDisplay(cfg *config.Config, logger *zap.SugaredLogger) (statusDisplay, func() error, error) {
	if cfg.Display.PublishEndpoint == "" {
		return display.NewLogDisplay(logger.Named("display"), cfg.Display.DrawRays), func() error { return nil }, nil
	}
	pub, err := display.NewPublisher(cfg.Display.PublishEndpoint, logger.Named("display"))
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}

// newSender builds the configured transport. Handlers resolve the orchestrator lazily since
// it is created after the transport; both only run on the loop goroutine.
func newSender(
	cfg *config.Config,
	loop *mainloop.Loop,
	logger *zap.SugaredLogger,
	orch func() *orchestrator.Orchestrator,
) (orchestrator.Sender, func(), error) {
	if cfg.Server.Transport == config.TransportStream {
		ch, err := transport.NewStreamChannel(transport.StreamConfig{
			URL:            cfg.Server.StreamURL,
			AutoReconnect:  cfg.Stream.AutoReconnect,
			ReconnectDelay: cfg.ReconnectDelay(),
			Quality:        cfg.Capture.StreamJPEGQuality,
			MaxWidth:       cfg.Capture.MaxWidth,
		}, loop, logger.Named("stream"))
		if err != nil {
			return nil, nil, err
		}
		ch.OnOpen.Subscribe(func(struct{}) {
			logger.Infow("stream open", "url", cfg.Server.StreamURL)
		})
		ch.OnDisconnect.Subscribe(func(d transport.Disconnect) {
			logger.Warnw("stream closed", "clean", d.Clean, "retrying", d.Retrying, "error", d.Err)
		})
		ch.OnMessage.Subscribe(func(m transport.Message) { orch().HandleStreamMessage(m) })
		ch.Connect()
		return ch, ch.Shutdown, nil
	}

	ch, err := transport.NewHTTPChannel(transport.HTTPConfig{
		Endpoint: cfg.Server.Endpoint,
		Timeout:  cfg.RequestTimeout(),
		Quality:  cfg.Capture.HTTPJPEGQuality,
		MaxWidth: cfg.Capture.MaxWidth,
	}, loop, logger.Named("http"))
	if err != nil {
		return nil, nil, err
	}
	ch.OnInstruction.Subscribe(func(body []byte) { orch().HandleInstruction(body) })
	ch.OnError.Subscribe(func(body []byte) { orch().HandleError(body) })
	return ch, func() {}, nil
}

func captureEvents(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) <-chan ingest.Event {
	sim := simulator.Config{
		Intrinsics: cfg.Camera,
		FPS:        cfg.Ingest.SimulateFPS,
		EyeHeight:  cfg.Ingest.EyeHeight,
		SweepRate:  0.2,
	}
	if cfg.Ingest.Simulate {
		return simulator.Stream(ctx, sim)
	}
	events, err := ingest.Stream(ctx, ingest.Config{
		Endpoint: cfg.Ingest.Endpoint,
		LogEvery: cfg.Ingest.LogEvery,
	}, logger.Named("ingest"))
	if err != nil {
		logger.Warnw("capture ingest unavailable, falling back to simulator", "endpoint", cfg.Ingest.Endpoint, "error", err)
		return simulator.Stream(ctx, sim)
	}
	return events
}

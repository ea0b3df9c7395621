// Command audioplayer is the audio-playback automation engine binary: it
// loads an XML configuration, connects to the upstream HMI runtime, and
// runs every declared state machine until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/elektrokapsel/audioplayer/internal/alarms"
	"github.com/elektrokapsel/audioplayer/internal/apperr"
	"github.com/elektrokapsel/audioplayer/internal/audiodevice"
	"github.com/elektrokapsel/audioplayer/internal/clipstore"
	"github.com/elektrokapsel/audioplayer/internal/config"
	"github.com/elektrokapsel/audioplayer/internal/interp"
	"github.com/elektrokapsel/audioplayer/internal/mixer"
	"github.com/elektrokapsel/audioplayer/internal/servicewatch"
	"github.com/elektrokapsel/audioplayer/internal/statemachine"
	"github.com/elektrokapsel/audioplayer/internal/tagcache"
	"github.com/elektrokapsel/audioplayer/internal/upstream"
)

func main() {
	os.Exit(run())
}

func run() int {
	var verbosity int
	var logJSON bool
	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	pflag.BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: audioplayer [flags] <config-file>")
		return 1
	}
	configPath := pflag.Arg(0)

	logger := newLogger(verbosity, logJSON)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration load failed", "error", err)
		return 1
	}

	clips := clipstore.New()
	if err := loadClips(clips, cfg); err != nil {
		logger.Error("clip load failed", "error", err)
		return 1
	}
	clips.Freeze()

	mx := mixer.New(logger.With("component", "mixer"), cfg.Device.Rate, cfg.Device.Channels, cfg.Device.ChannelBudget)
	for _, v := range cfg.Volumes {
		mx.DeclareVolume(v.ID, v.Initial)
	}

	device, err := audiodevice.NewOtoDevice(cfg.Device.Rate, cfg.Device.Channels)
	if err != nil {
		logger.Error("audio device open failed", "error", apperr.NewDeviceError("open", err))
		return 2
	}
	device.SetRenderer(mx)

	tags := tagcache.New(nil)
	matcher := alarms.SubstringMatcher{}
	registry := alarms.New(tags, matcher)
	for _, f := range cfg.Filters {
		registry.DeclareFilter(f.ID, f.Expression, f.TagMatching, f.TagIgnored)
	}

	client := upstream.New(cfg.BindAddr, cfg.Tags, &upstreamHandler{tags: tags, alarms: registry}, logger.With("component", "upstream"))
	tags.SetSink(client)

	env := interp.Env{
		Mixer:  mx,
		Tags:   tags,
		Alarms: registry,
		Clips:  clips,
		Logger: logger.With("component", "interp"),
	}

	machines, err := buildMachines(cfg, env, logger)
	if err != nil {
		logger.Error("state machine setup failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device.Start()
	servicewatch.Ready()
	go servicewatch.RunWatchdog(ctx, logger.With("component", "servicewatch"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	for _, m := range machines {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
	}()

	runErr := g.Wait()
	device.Stop()
	device.Close()

	switch {
	case runErr == nil || errors.Is(runErr, context.Canceled):
		logger.Info("shutdown complete")
		return 0
	default:
		var upstreamErr *apperr.UpstreamError
		if errors.As(runErr, &upstreamErr) {
			logger.Error("upstream connection permanently failed", "error", runErr)
			return 3
		}
		logger.Error("fatal runtime error", "error", runErr)
		return 1
	}
}

func newLogger(verbosity int, logJSON bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func loadClips(store *clipstore.Store, cfg *config.Config) error {
	for _, f := range cfg.Files {
		if err := store.LoadWAV(f.ID, f.Path); err != nil {
			return err
		}
	}
	for _, s := range cfg.Sines {
		if err := store.AddSine(s.ID, s.Amplitude, s.Frequency, s.Duration, cfg.Device.Rate); err != nil {
			return err
		}
	}
	return nil
}

func buildMachines(cfg *config.Config, env interp.Env, logger *slog.Logger) ([]*statemachine.Machine, error) {
	machines := make([]*statemachine.Machine, 0, len(cfg.Machines))
	for _, decl := range cfg.Machines {
		states := make([]*statemachine.State, 0, len(decl.States))
		for _, s := range decl.States {
			states = append(states, &statemachine.State{ID: s.ID, Nodes: s.Nodes})
		}
		m, err := statemachine.New(decl.ID, states, env, logger)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// upstreamHandler adapts the upstream client's Handler interface onto the
// tag cache and alarm registry.
type upstreamHandler struct {
	tags   *tagcache.Cache
	alarms *alarms.Registry
}

func (h *upstreamHandler) HandleTagUpdate(name, value string) {
	h.tags.Update(name, value)
}

func (h *upstreamHandler) HandleAlarmUpdate(events []alarms.Event) {
	h.alarms.HandleUpdate(events)
}

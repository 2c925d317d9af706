package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"netdivert/internal/analysis"
	"netdivert/internal/config"
	"netdivert/internal/discovery"
	"netdivert/internal/divert"
	"netdivert/internal/intercept"
	"netdivert/internal/logging"
	"netdivert/internal/owner"
	"netdivert/internal/reporting"
	"netdivert/internal/rules"
	"netdivert/internal/session"
	"netdivert/internal/store"
	"netdivert/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (rules are reloaded on change)")
	backend := flag.String("backend", "", "Capture backend: auto, windivert, pcap or replay")
	filter := flag.String("filter", "", "Capture filter (WinDivert syntax or BPF, depending on backend)")
	device := flag.String("device", "", "Capture device for the pcap backend (e.g., eth0)")
	replayIn := flag.String("replay", "", "Read packets from a pcap file instead of the network")
	replayOut := flag.String("out", "", "Write packets sent during replay to this pcap file")
	inject := flag.Bool("inject", false, "Re-inject packets with the pcap backend")
	workers := flag.Int("workers", 0, "Number of packet workers (0 = one per CPU)")
	useTUI := flag.Bool("tui", false, "Show the live connection dashboard")
	dbPath := flag.String("db", "", "Record connections to this sqlite database")
	reportPath := flag.String("report", "", "Write an HTML session report to this file on exit")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "Log to this file instead of stderr")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Capture.Backend = *backend
		case "filter":
			cfg.Capture.Filter = *filter
		case "device":
			cfg.Capture.Device = *device
		case "replay":
			cfg.Capture.ReplayInput = *replayIn
		case "out":
			cfg.Capture.ReplayOutput = *replayOut
		case "inject":
			cfg.Capture.Inject = *inject
		case "workers":
			cfg.Workers = *workers
		case "tui":
			cfg.TUI = *useTUI
		case "db":
			cfg.Store.Path = *dbPath
		case "report":
			cfg.Report = *reportPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// The dashboard owns the terminal.
	if cfg.TUI && cfg.Log.File == "" {
		cfg.Log.File = "netdivert.log"
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.WithError(err).Error("netdivert stopped")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, configPath string, logger *logrus.Logger) error {
	mainLog := logging.Component(logger, "main")

	opener, source, err := openBackend(cfg, mainLog)
	if err != nil {
		return err
	}

	attributor := owner.NewAttributor(owner.NewSystemSource(), logrus.NewEntry(logger))
	names, err := owner.NewNames(cfg.Analysis.NameCacheSize)
	if err != nil {
		return fmt.Errorf("process name cache: %w", err)
	}
	engine, err := rules.NewEngine(cfg.Rules, names, logrus.NewEntry(logger))
	if err != nil {
		return err
	}

	acfg := analysis.DefaultConfig()
	acfg.BurstThreshold = cfg.Analysis.BurstThreshold
	acfg.UnsecureCooldown = cfg.Analysis.UnsecureCooldown
	acfg.IdleTimeout = cfg.Analysis.IdleTimeout
	stats := analysis.NewConnectionStats(acfg, attributor)

	pipeline, err := intercept.NewPipeline(attributor, names, engine, stats, logrus.NewEntry(logger))
	if err != nil {
		return err
	}

	sess := session.New(cfg.Session(), opener, session.WithLogger(logging.Component(logger, "session")))
	if err := sess.Open(); err != nil {
		return err
	}
	defer sess.Close()

	mainLog.WithFields(logrus.Fields{
		"backend": source,
		"filter":  cfg.Capture.Filter,
		"workers": cfg.Workers,
	}).Info("Capture session open")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup

	if configPath != "" {
		background.Add(1)
		go func() {
			defer background.Done()
			err := config.Watch(ctx, configPath, logging.Component(logger, "config"), func(next config.Config) {
				if err := engine.Reload(next.Rules); err != nil {
					mainLog.WithError(err).Warn("Rules not reloaded")
					return
				}
				mainLog.Info("Rules reloaded")
			})
			if err != nil {
				mainLog.WithError(err).Warn("Config watcher stopped")
			}
		}()
	}

	if cfg.Store.Path != "" {
		db, err := store.NewDB(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		recorder := store.NewRecorder(db, stats, logrus.NewEntry(logger))
		background.Add(1)
		go func() {
			defer background.Done()
			recorder.Run(ctx, cfg.Store.FlushInterval)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- sess.Serve(ctx, cfg.Workers, pipeline)
	}()

	if cfg.TUI {
		model := tui.NewConnectionsModel(stats, source, cfg.Capture.Filter)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			mainLog.WithError(err).Error("Error running TUI")
		}
		stop()
	}

	err = <-serveErr
	stop()
	background.Wait()

	// End of a replay file is a normal exit.
	if errors.Is(err, divert.ErrClosed) {
		mainLog.Info("Capture finished")
		err = nil
	}

	if cfg.Report != "" {
		filename, rerr := reporting.GenerateSessionReport(stats, "html", cfg.Report)
		if rerr != nil {
			mainLog.WithError(rerr).Error("Failed to write report")
		} else {
			mainLog.WithField("file", filename).Info("Report written")
		}
	}

	bytes, packets := stats.GetTotals()
	mainLog.WithFields(logrus.Fields{
		"bytes":   bytes,
		"packets": packets,
	}).Info("Session closed")
	return err
}

// openBackend selects the capture backend and returns it with a label for
// the dashboard.
func openBackend(cfg config.Config, log *logrus.Entry) (divert.OpenFunc, string, error) {
	switch cfg.ResolvedBackend() {
	case config.BackendWinDivert:
		opener, ok := divert.NativeOpener()
		if !ok {
			return nil, "", errors.New("windivert is not available on this platform")
		}
		return opener, "WinDivert", nil

	case config.BackendReplay:
		// Direction is inferred from this machine's addresses, which only
		// makes sense for captures taken here.
		local, err := discovery.LocalAddresses("")
		if err != nil {
			log.WithError(err).Warn("No local addresses, every replayed packet is inbound")
		}
		return divert.OpenReplay(divert.ReplayOptions{
			Input:  cfg.Capture.ReplayInput,
			Output: cfg.Capture.ReplayOutput,
			Local:  local,
		}), "replay " + cfg.Capture.ReplayInput, nil

	default:
		device := cfg.Capture.Device
		if device == "" {
			var err error
			if device, err = defaultDevice(); err != nil {
				return nil, "", err
			}
			log.WithField("device", device).Info("No device given, using the first active one")
		}
		return divert.OpenPcap(divert.PcapOptions{
			Device:     device,
			BufferSize: cfg.Capture.BufferSize,
			Inject:     cfg.Capture.Inject,
		}), device, nil
	}
}

func defaultDevice() (string, error) {
	hosts, err := discovery.Hosts("")
	if err != nil {
		return "", err
	}
	for _, h := range hosts {
		if !h.Loopback && len(h.Addresses) > 0 {
			return h.Device, nil
		}
	}
	return "", errors.New("no capture device with an address; use -device")
}

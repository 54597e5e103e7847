package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relayboard/db"
	"github.com/thatsimonsguy/relayboard/internal/api"
	"github.com/thatsimonsguy/relayboard/internal/config"
	"github.com/thatsimonsguy/relayboard/internal/datadog"
	"github.com/thatsimonsguy/relayboard/internal/logging"
	"github.com/thatsimonsguy/relayboard/internal/model"
	"github.com/thatsimonsguy/relayboard/internal/notifications"
	"github.com/thatsimonsguy/relayboard/internal/relay"
	"github.com/thatsimonsguy/relayboard/internal/serial"
	"github.com/thatsimonsguy/relayboard/internal/store"
	"github.com/thatsimonsguy/relayboard/system/shutdown"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("port", cfg.Serial.Port).
		Msg("Starting relay board controller")

	datadog.InitMetrics(&cfg)
	shutdown.Register("metrics", func() error {
		datadog.Close()
		return nil
	})
	notifications.Init(cfg.NtfyTopic)

	var transport relay.Transport
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED - relay frames are logged, not sent")
		transport = serial.Discard{}
	} else {
		port, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud, cfg.ReadTimeout())
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to open relay board serial port")
		}
		shutdown.Register("serial", port.Close)
		transport = port
	}

	var ctrl *relay.Controller
	saveStatus := func() {}
	if cfg.StatusFile != "" {
		st := store.New(cfg.StatusFile)
		saveStatus = func() {
			if ctrl == nil {
				return
			}
			if err := st.Save(ctrl.Snapshot()); err != nil {
				log.Warn().Err(err).Str("path", cfg.StatusFile).Msg("Failed to write status file")
			}
		}
	}
	alert := notifications.LinkAlert("relayboard")

	opts := relay.Options{
		Name:         "relayboard",
		Address:      cfg.Address(),
		AckMode:      cfg.AckMode,
		WriteTimeout: cfg.WriteTimeout(),
		AckTimeout:   cfg.AckTimeout(),
		PollInterval: cfg.PollInterval(),
		PollTimeout:  cfg.PollTimeout(),
		OnLinkChange: func(healthy bool) {
			alert(healthy)
			saveStatus()
		},
	}

	var history api.History
	if cfg.JournalPath != "" {
		journal, err := db.Open(cfg.JournalPath)
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to open relay journal")
		}
		shutdown.Register("journal", journal.Close)
		opts.Recorder = journal
		history = journal
	}

	descs := make([]relay.Descriptor, 0, len(cfg.Switches))
	for _, sw := range cfg.Switches {
		descs = append(descs, relay.Descriptor{Name: sw.Name, Relay: *sw.RelayNumber})
	}

	ctrl, chans, err := relay.Assemble(opts, transport, descs)
	if err != nil {
		shutdown.ShutdownWithError(err, "Refusing to start with an invalid relay layout")
	}
	for _, ch := range chans {
		ch.OnStateChange(func(model.RelayState) { saveStatus() })
	}
	saveStatus()
	if err := ctrl.Setup(); err != nil {
		shutdown.ShutdownWithError(err, "Relay controller setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APIPort > 0 {
		server := api.NewServer(ctrl, history)
		go func() {
			if err := server.Start(ctx, cfg.APIPort); err != nil {
				log.Error().Err(err).Msg("REST API server stopped")
			}
		}()
	} else {
		log.Info().Msg("REST API disabled")
	}

	ctrl.Run(ctx, cfg.LoopInterval())
	shutdown.Shutdown()
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/PsiTechC/Convis-1-sub000/pkg/convis"
	"github.com/PsiTechC/Convis-1-sub000/pkg/runner"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transcript"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transports"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	cfg, err := convis.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	runner.PrintBanner()

	transport, err := convis.BuildTransport(cfg)
	if err != nil {
		slog.Error("transport_build_failed", "error", err.Error())
		os.Exit(1)
	}

	app := convis.NewEngine(convis.EngineOptions{
		Config:    cfg,
		Providers: convis.DefaultProviderRegistry(),
		Transport: transport,
		OnTranscript: func(rec *transcript.Recorder) {
			for _, entry := range rec.Entries() {
				slog.Info("transcript_entry",
					"call_sid", rec.CallSID(),
					"role", entry.Role,
					"text", entry.Text,
				)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err.Error())
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		if dialer, ok := transport.(transports.OutboundDialer); ok {
			callSID, err := dialer.Dial(ctx, *dialTo, *dialFrom, *dialURL)
			if err != nil {
				slog.Error("outbound_dial_failed", "error", err.Error())
			} else {
				slog.Info("outbound_dial_started", "call_sid", callSID)
			}
		} else {
			slog.Warn("transport_no_outbound_dialer")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = app.Stop()
}

// OpenChime - local-first meeting reminder.
// The GUI shell attaches through the app command surface; this entrypoint
// runs the headless core: store, vault, migrations, sync, and the alert
// monitor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openchime/openchime/internal/alert"
	"github.com/openchime/openchime/internal/app"
	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
)

func main() {
	obs.Init()
	log := obs.Pkg("main")

	dbPath, noAudio, syncNow := config.ParseFlags()
	cfg, err := config.LoadConfig(dbPath, noAudio, syncNow)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The real UI bridge and audio device are attached by the desktop
	// shell; standalone runs log alerts and stay silent.
	var sink alert.Sink = logSink{}
	var audio alert.AudioPlayer = alert.NopAudio{}

	application, err := app.New(ctx, cfg, sink, audio)
	if err != nil {
		fail(err)
	}

	application.Start(ctx)
	log.Info("openchime running", "db", cfg.DatabasePath)

	<-ctx.Done()
	log.Info("shutting down")
	if err := application.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

// fail prints a safe message and exits non-zero. Startup failures
// (config_invalid, keystore_unavailable, migration_failed) all land here.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "openchime: %s\n", errs.MessageOf(err))
	if errs.FatalAtStartup(err) {
		fmt.Fprintln(os.Stderr, "Fix the problem above and start OpenChime again.")
	}
	os.Exit(1)
}

// logSink renders alerts to the log when no GUI is attached.
type logSink struct{}

func (logSink) Notify(a alert.Alert) {
	obs.Pkg("alert").Info("MEETING ALERT",
		"title", a.Title,
		"minutes_until", a.MinutesUntil,
		"video", a.IsVideoMeeting(),
	)
}

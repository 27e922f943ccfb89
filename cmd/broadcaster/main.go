package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"schoolcast/internal/app"
	"schoolcast/internal/school"
)

func main() {
	var (
		cfgPath = pflag.StringP("config", "c", "./schoolcast.json", "path to config (json or yaml)")
		fixture = pflag.String("fixture", "", "YAML fixture loaded into storage at startup")
		sendID  = pflag.Int64("send", 0, "send one broadcast by id and exit")
		force   = pflag.Bool("force", false, "with --send: resend a completed broadcast")
		daypart = pflag.String("daypart", "", "send every broadcast of this daypart and exit")
		date    = pflag.String("date", "", "with --daypart: date as dd-MM-yyyy (default today UTC)")
	)
	pflag.Parse()
	gin.SetMode(gin.ReleaseMode)

	a, err := app.NewApp(*cfgPath, app.Options{Fixture: *fixture})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if *sendID > 0 || *daypart != "" {
		code := oneShot(a, *sendID, *force, *daypart, *date)
		_ = a.Stop(context.Background(), app.StopAppStop)
		os.Exit(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case s := <-sigCh:
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func oneShot(a *app.App, id int64, force bool, rawDaypart, rawDate string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if id > 0 {
		res, err := a.Broadcasts().Send(ctx, id, force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "broadcast %d: %v\n", id, err)
			return 1
		}
		fmt.Printf("broadcast %d: %s (recipients=%d delivered=%d skipped=%t %s)\n",
			id, res.Status, res.Recipients, res.Outcome.Delivered, res.Skipped, res.Reason)
		return 0
	}

	d, err := school.ParseDaypart(rawDaypart)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if rawDate != "" {
		if day, err = time.Parse("02-01-2006", rawDate); err != nil {
			fmt.Fprintln(os.Stderr, "Date string is malformed. Format it as dd-MM-yyyy")
			return 2
		}
	}
	batch, err := a.Broadcasts().SendDaypart(ctx, day, d, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "daypart:", err)
	}
	fmt.Printf("%s %s: %d/%d completed, %d failed\n", day.Format("2006-01-02"), d, batch.Completed, batch.Total, batch.Failed)
	if err != nil || batch.Failed > 0 {
		return 1
	}
	return 0
}

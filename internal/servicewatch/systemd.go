//go:build systemd

// Package servicewatch optionally integrates with a system service manager
// for readiness and watchdog notifications. The systemd build carries this
// behind a build tag so the rest of the binary is unaffected when it is
// compiled out.
package servicewatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready notifies systemd that startup has completed.
func Ready() {
	daemon.SdNotify(false, daemon.SdNotifyReady)
}

// RunWatchdog pings systemd's watchdog at half its configured interval
// until ctx is done. It is a no-op if no watchdog interval is configured.
func RunWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	logger.Info("systemd watchdog enabled", "interval", interval)

	for {
		select {
		case <-ticker.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-ctx.Done():
			return
		}
	}
}

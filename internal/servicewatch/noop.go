//go:build !systemd

package servicewatch

import (
	"context"
	"log/slog"
)

// Ready is a no-op in builds without the systemd tag.
func Ready() {}

// RunWatchdog is a no-op in builds without the systemd tag.
func RunWatchdog(ctx context.Context, logger *slog.Logger) {}

package app

import (
	"context"
	"time"

	sdd "github.com/coreos/go-systemd/v22/daemon"

	logx "tickerd/pkg/logx"
)

// notifySystemdReady signals READY=1 when running under a systemd unit with
// NOTIFY_SOCKET set, then keeps the watchdog fed at half its interval.
// Outside systemd both calls are no-ops.
func (a *App) notifySystemdReady() {
	sent, err := sdd.SdNotify(false, sdd.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	a.log.Debug("sd_notify ready sent")

	interval, err := sdd.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_notify watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("sdnotify.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = sdd.SdNotify(false, sdd.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) notifySystemdStopping() {
	_, _ = sdd.SdNotify(false, sdd.SdNotifyStopping)
}

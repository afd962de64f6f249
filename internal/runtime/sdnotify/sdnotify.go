// Package sdnotify reports service state to systemd when running as a unit.
// Outside systemd every call is a no-op.
package sdnotify

import (
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "chanpost/pkg/logx"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	log      logx.Logger
	notify   notifyFunc
	watchdog time.Duration
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log, notify: daemon.SdNotify}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		n.watchdog = d
	}
	return n
}

func (n *Notifier) send(state string) bool {
	if n == nil || n.notify == nil {
		return false
	}
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool {
	msg = strings.ReplaceAll(strings.TrimSpace(msg), "\n", " ")
	return n.send("STATUS=" + msg)
}

// WatchdogInterval is WatchdogSec from the unit, or 0 when no watchdog is configured.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil {
		return 0
	}
	return n.watchdog
}

// Watchdog sends one keep-alive ping. It is a no-op without a watchdog.
func (n *Notifier) Watchdog() bool {
	if n.WatchdogInterval() <= 0 {
		return false
	}
	return n.send(daemon.SdNotifyWatchdog)
}

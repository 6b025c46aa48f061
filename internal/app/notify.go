package app

import (
	"fmt"
	"time"

	"asyncq/internal/task/queue"
	logx "asyncq/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"
)

// sdNotifier talks to systemd when NOTIFY_SOCKET is set and is a no-op otherwise.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
	send     func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{
		log:  log,
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		n.watchdog = wd
	}
	return n
}

func (n *sdNotifier) notify(state string) {
	if n == nil || n.send == nil {
		return
	}
	if _, err := n.send(state); err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (n *sdNotifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.notify(daemon.SdNotifyStopping) }
func (n *sdNotifier) Watchdog() { n.notify(daemon.SdNotifyWatchdog) }

// Status publishes a one-line queue summary in `systemctl status`.
func (n *sdNotifier) Status(st queue.Stats) {
	n.notify("STATUS=" + statusLine(st))
}

// keepAliveInterval shortens want so watchdog pings arrive in time.
func (n *sdNotifier) keepAliveInterval(want time.Duration) time.Duration {
	if n == nil || n.watchdog <= 0 {
		return want
	}
	return min(want, n.watchdog/2)
}

func statusLine(st queue.Stats) string {
	return fmt.Sprintf("%s pending, %d/%d busy, %s resolved, %s rejected, %s aborted",
		humanize.Comma(int64(st.Pending)),
		st.Pool.Running+st.Pool.Aborting, st.Pool.Size,
		humanize.Comma(int64(st.Resolved)),
		humanize.Comma(int64(st.Rejected)),
		humanize.Comma(int64(st.Aborted)),
	)
}

package recovery

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/internal/enginetest"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/retry"
	"github.com/fornellas/grblctl/transport/transporttest"
)

func newRecovery(h *enginetest.Harness) *Recovery {
	return New(h.Queue, h.Synchronizer, h.Poller, h.Lock, Options{
		SettleDelay:   20 * time.Millisecond,
		ReportTimeout: time.Second,
		Backoff:       time.Millisecond,
	})
}

func countLines(lines []string, line string) int {
	n := 0
	for _, l := range lines {
		if l == line {
			n++
		}
	}
	return n
}

// stubbornUnlock makes the controller acknowledge the first n unlocks without leaving alarm.
func stubbornUnlock(n int) func(string) string {
	var mu sync.Mutex
	return func(line string) string {
		mu.Lock()
		defer mu.Unlock()
		if line == grbl.SystemCommandKillAlarmLock && n > 0 {
			n--
			return "ok\r\n"
		}
		return ""
	}
}

func TestRecoverUnlock(t *testing.T) {
	controller := transporttest.NewController()
	h := enginetest.New(t, controller)
	controller.SetState("Alarm")
	h.WaitForMode(t, grbl.StateAlarm)

	require.NoError(t, newRecovery(h).Recover(h.Ctx))
	require.Equal(t, "Idle", controller.State())
	require.Equal(t, 1, countLines(controller.Lines(), "$X"))
	require.NotContains(t, h.Port.Written(), string(rune(grbl.RealTimeCommandSoftReset)))
	require.Equal(t, "", h.Lock.Holder())
}

func TestRecoverEscalatesToSoftReset(t *testing.T) {
	controller := transporttest.NewController()
	controller.Respond = stubbornUnlock(1)
	h := enginetest.New(t, controller)
	controller.SetState("Alarm")
	h.WaitForMode(t, grbl.StateAlarm)

	require.NoError(t, newRecovery(h).Recover(h.Ctx))
	require.Equal(t, "Idle", controller.State())
	require.Equal(t, 2, countLines(controller.Lines(), "$X"))
	require.Equal(t, 1, strings.Count(h.Port.Written(), string(rune(grbl.RealTimeCommandSoftReset))))
}

func TestRecoverExhausted(t *testing.T) {
	controller := transporttest.NewController()
	controller.Respond = stubbornUnlock(100)
	h := enginetest.New(t, controller)
	controller.SetState("Alarm")
	h.WaitForMode(t, grbl.StateAlarm)

	err := newRecovery(h).Recover(h.Ctx)
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 3, countLines(controller.Lines(), "$X"))
	require.Equal(t, 2, strings.Count(h.Port.Written(), string(rune(grbl.RealTimeCommandSoftReset))))
	require.Equal(t, "Alarm", controller.State())
}

func TestRecoverAlreadyRunning(t *testing.T) {
	controller := transporttest.NewController()
	h := enginetest.New(t, controller)
	release, err := h.Lock.TryAcquire("program")
	require.NoError(t, err)
	defer release()

	err = newRecovery(h).Recover(h.Ctx)
	require.ErrorIs(t, err, oplock.ErrAlreadyRunning)
	require.Equal(t, []string{"$I", "$$"}, controller.Lines())
}

func TestReleaseHold(t *testing.T) {
	controller := transporttest.NewController()
	h := enginetest.New(t, controller)
	controller.SetState("Hold:0")
	h.WaitForMode(t, grbl.StateHold)

	require.NoError(t, newRecovery(h).ReleaseHold(h.Ctx))
	require.Equal(t, "Idle", controller.State())
	require.Equal(t, 1, strings.Count(h.Port.Written(), string(rune(grbl.RealTimeCommandSoftReset))))
	require.Equal(t, 0, countLines(controller.Lines(), "$X"))
}

package probe

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/internal/enginetest"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/transport/transporttest"
)

func TestConsensus(t *testing.T) {
	value, err := Consensus([]float64{10.01, 10.02, 15.50}, 0.05)
	require.NoError(t, err)
	require.InDelta(t, 10.015, value, 1e-9)

	value, err = Consensus([]float64{-3, -3.01}, 0.05)
	require.NoError(t, err)
	require.InDelta(t, -3.005, value, 1e-9)

	// Equal differences are decided by order, not by float rounding.
	value, err = Consensus([]float64{-21.000, -21.010, -21.020}, 0.05)
	require.NoError(t, err)
	require.InDelta(t, -21.005, value, 1e-9)

	_, err = Consensus([]float64{10.0, 10.2}, 0.05)
	require.ErrorIs(t, err, ErrToleranceFailure)

	_, err = Consensus([]float64{10.0}, 0.05)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrToleranceFailure)
}

func TestClampTravel(t *testing.T) {
	for _, tc := range []struct {
		name                                    string
		position, distance, maxTravel, expected float64
	}{
		{"within", -50, -10, 100, -10},
		{"lower limit", -95, -10, 100, -4},
		{"upper limit", -5, 10, 100, 4},
		{"beyond upper", 2, 10, 100, 0},
		{"unknown max travel", -50, -1000, 0, -1000},
		{"unknown max travel upper", -50, 1000, 0, 49},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.expected, ClampTravel(tc.position, tc.distance, tc.maxTravel, 1), 1e-9)
		})
	}
}

// prbResponder answers probing moves with the given Z contacts, in order.
type prbResponder struct {
	mu       sync.Mutex
	contacts []string
}

func (r *prbResponder) respond(line string) string {
	if !strings.Contains(line, "G38.2") {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contacts) == 0 {
		return "[PRB:0.000,0.000,0.000:0]\r\nok\r\n"
	}
	z := r.contacts[0]
	r.contacts = r.contacts[1:]
	return fmt.Sprintf("[PRB:0.000,0.000,%s:1]\r\nok\r\n", z)
}

func newProbe(t *testing.T, controller *transporttest.Controller) (*enginetest.Harness, *oplock.Lock, *Engine) {
	h := enginetest.New(t, controller)
	lock := &oplock.Lock{}
	options := DefaultOptions()
	options.StepTimeout = 5 * time.Second
	return h, lock, New(h.Queue, h.Synchronizer, h.Poller, h.Engine, h.Engine, lock, options)
}

func TestRun(t *testing.T) {
	controller := transporttest.NewController()
	responder := &prbResponder{contacts: []string{"-7.250"}}
	controller.Respond = responder.respond
	h, _, e := newProbe(t, controller)

	probes, err := e.Run(h.Ctx, Sequence{
		{Command: "G21", Description: "millimeters"},
		{Command: "G91G38.2Z-10F100", Description: "touch", Wait: Wait{WaitForIdle: true}, Probe: true},
		{Command: "G90", Description: "absolute", Wait: Wait{Delay: time.Millisecond}},
	})
	require.NoError(t, err)
	require.Len(t, probes, 1)
	require.True(t, probes[0].Successful)
	require.Equal(t, -7.25, probes[0].Coordinates.Z)
	require.Equal(t, []string{"G21", "G91G38.2Z-10F100", "G90"}, controller.Lines()[2:])
	require.Equal(t, "", h.Poller.Owner())
}

func TestRunAbortsOnRejection(t *testing.T) {
	controller := transporttest.NewController()
	controller.Respond = func(line string) string {
		if line == "G38.2Z-10F100" {
			return "error:20\r\n"
		}
		return ""
	}
	h, _, e := newProbe(t, controller)

	_, err := e.Run(h.Ctx, Sequence{
		{Command: "G21", Description: "millimeters"},
		{Command: "G38.2Z-10F100", Description: "touch", Probe: true},
		{Command: "G90", Description: "absolute"},
	})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 1, stepErr.Index)
	require.Equal(t, "touch", stepErr.Step.Description)
	require.ErrorIs(t, err, queue.ErrCommandRejected)
	require.Equal(t, []string{"G21", "G38.2Z-10F100"}, controller.Lines()[2:])
}

func TestRunNoContact(t *testing.T) {
	controller := transporttest.NewController()
	controller.Respond = (&prbResponder{}).respond
	h, _, e := newProbe(t, controller)

	_, err := e.Run(h.Ctx, Sequence{{Command: "G38.2Z-10F100", Description: "touch", Probe: true}})
	require.ErrorIs(t, err, ErrNoContact)
}

func TestRunLocked(t *testing.T) {
	controller := transporttest.NewController()
	h, lock, e := newProbe(t, controller)

	release, err := lock.TryAcquire("program")
	require.NoError(t, err)
	defer release()
	_, err = e.Run(h.Ctx, Sequence{{Command: "G21"}})
	require.ErrorIs(t, err, oplock.ErrAlreadyRunning)
	require.Len(t, controller.Lines(), 2)
}

func TestMeasure(t *testing.T) {
	controller := transporttest.NewController()
	responder := &prbResponder{contacts: []string{"-10.300", "-10.010", "-10.020", "-15.500"}}
	controller.Respond = responder.respond
	h, _, e := newProbe(t, controller)

	m, err := e.Measure(h.Ctx, "Z", -1)
	require.NoError(t, err)
	require.Equal(t, "Z", m.Axis)
	require.InDelta(t, -10.015, m.Position, 1e-9)
	require.Equal(t, []float64{-10.01, -10.02, -15.5}, m.Touches)
	require.Equal(t, []string{
		"G91G38.2Z-50F200",
		"G91G1Z2F200",
		"G91G38.2Z-4F25",
		"G91G1Z2F200",
		"G91G38.2Z-4F25",
		"G91G1Z2F200",
		"G91G38.2Z-4F25",
		"G91G1Z2F200",
		"G90",
	}, controller.Lines()[2:])

	require.NoError(t, e.SetWorkOffset(h.Ctx, m, 0))
	lines := controller.Lines()
	require.Equal(t, "G10L20P0Z10.015", lines[len(lines)-1])
}

func TestMeasureClampsFromTouch(t *testing.T) {
	controller := transporttest.NewController()
	controller.SetMachinePosition("0.000,0.000,-1.500")
	responder := &prbResponder{contacts: []string{"-1.200", "-1.200", "-1.210", "-1.200"}}
	controller.Respond = responder.respond
	h, _, e := newProbe(t, controller)
	require.Eventually(t, func() bool {
		return h.Synchronizer.Snapshot().MachinePosition.Z == -1.5
	}, 5*time.Second, time.Millisecond)

	m, err := e.Measure(h.Ctx, "Z", 1)
	require.NoError(t, err)
	require.InDelta(t, -1.2, m.Position, 1e-9)
	// Machine zero minus the 1mm margin is the highest any move may reach.
	require.Equal(t, []string{
		"G91G38.2Z0.5F200",
		"G91G1Z-2F200",
		"G91G38.2Z2.2F25",
		"G91G1Z-2F200",
		"G91G38.2Z2.2F25",
		"G91G1Z-2F200",
		"G91G38.2Z2.21F25",
		"G91G1Z-2F200",
		"G90",
	}, controller.Lines()[2:])
}

func TestMeasureRestoresAbsoluteOnFailure(t *testing.T) {
	controller := transporttest.NewController()
	controller.Respond = (&prbResponder{contacts: []string{"-10.300"}}).respond
	h, _, e := newProbe(t, controller)

	_, err := e.Measure(h.Ctx, "Z", -1)
	require.ErrorIs(t, err, ErrNoContact)
	lines := controller.Lines()
	require.Equal(t, "G90", lines[len(lines)-1])
}

func TestMeasureToleranceFailure(t *testing.T) {
	controller := transporttest.NewController()
	responder := &prbResponder{contacts: []string{"-10.300", "-10.000", "-10.200", "-10.400"}}
	controller.Respond = responder.respond
	h, _, e := newProbe(t, controller)

	m, err := e.Measure(h.Ctx, "Z", -1)
	require.ErrorIs(t, err, ErrToleranceFailure)
	require.ErrorIs(t, e.SetWorkOffset(h.Ctx, m, 0), ErrNotMeasured)
	for _, line := range controller.Lines() {
		require.False(t, strings.HasPrefix(line, "G10"), line)
	}
}

func TestMeasureInvalid(t *testing.T) {
	controller := transporttest.NewController()
	h, _, e := newProbe(t, controller)

	_, err := e.Measure(h.Ctx, "Q", -1)
	require.Error(t, err)
	_, err = e.Measure(h.Ctx, "Z", 0)
	require.Error(t, err)
	// Machine zero is the upper travel limit.
	_, err = e.Measure(h.Ctx, "X", 1)
	require.Error(t, err)

	controller.SetState("Alarm")
	h.WaitForMode(t, grbl.StateAlarm)
	_, err = e.Measure(h.Ctx, "Z", -1)
	require.Error(t, err)
	require.Len(t, controller.Lines(), 2)
}

func TestProbeHeightMap(t *testing.T) {
	controller := transporttest.NewController()
	controller.SetWorkCoordinateOffset("0.000,0.000,-20.000")
	contacts := []string{}
	for range 9 {
		contacts = append(contacts, "-21.000", "-21.000", "-21.010", "-21.030")
	}
	controller.Respond = (&prbResponder{contacts: contacts}).respond
	h, _, e := newProbe(t, controller)
	require.Eventually(t, func() bool {
		wco := h.Synchronizer.Snapshot().WorkCoordinateOffset
		return wco != nil && wco.Z == -20
	}, 5*time.Second, time.Millisecond)

	hm, err := NewHeightMap(0, 0, 10, 10, 5)
	require.NoError(t, err)
	require.NoError(t, e.ProbeHeightMap(h.Ctx, hm, 5))
	for _, p := range hm.Points() {
		require.InDelta(t, -1.005, p[2], 1e-9)
	}
	require.Contains(t, controller.Lines(), "G90G0X5Y10")
	require.Contains(t, controller.Lines(), "G90G0Z5")
}

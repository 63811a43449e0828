package grbl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, lines ...string) Settings {
	t.Helper()
	collector := NewSettingsCollector()
	for _, line := range lines {
		collector.Add(ParseLine(line))
	}
	return collector.Settings()
}

func TestSettingsCollectorNumbered(t *testing.T) {
	settings := collect(t,
		"$20=1",
		"$110=5000.000",
		"$130=300.000",
		"$131=200.000",
		"$132=80.000",
		"ok",
	)
	require.Len(t, settings, 5)
	require.Equal(t, "X-axis maximum travel, millimeters", settings["130"].Description)
	require.True(t, settings.SoftLimits())

	travel, ok := settings.MaxTravel("Y")
	require.True(t, ok)
	require.Equal(t, 200.0, travel)

	rate, ok := settings.MaxRate("X")
	require.True(t, ok)
	require.Equal(t, 5000.0, rate)

	_, ok = settings.MaxTravel("A")
	require.False(t, ok)
	_, ok = settings.MaxTravel("B")
	require.False(t, ok)
}

func TestSettingsCollectorConfig(t *testing.T) {
	settings := collect(t,
		"name: router",
		"axes:",
		"  x:",
		"    max_rate_mm_per_min: 2000.000",
		"    max_travel_mm: 400.000",
		"  z:",
		"    max_travel_mm: 90.000",
		"[spindle]",
		"pwm_hz = 5000",
	)
	require.Equal(t, "router", settings["name"].Value)
	require.Equal(t, "400.000", settings["axes/x/max_travel_mm"].Value)
	require.Equal(t, "5000", settings["spindle/pwm_hz"].Value)

	travel, ok := settings.MaxTravel("Z")
	require.True(t, ok)
	require.Equal(t, 90.0, travel)
	rate, ok := settings.MaxRate("X")
	require.True(t, ok)
	require.Equal(t, 2000.0, rate)
	require.False(t, settings.SoftLimits())
}

func TestSettingsCollectorIgnoresOtherMessages(t *testing.T) {
	collector := NewSettingsCollector()
	require.False(t, collector.Add(ParseLine("ok")))
	require.False(t, collector.Add(ParseLine("<Idle|MPos:0,0,0>")))
	require.True(t, collector.Add(ParseLine("$0=10")))

	settings := collector.Settings()
	settings["0"] = NewSetting("0", "20")
	require.Equal(t, "10", collector.Settings()["0"].Value)
}

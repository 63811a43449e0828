package grbl

import (
	"maps"
	"strconv"
	"strings"
)

// Grbl 1.1 setting meanings, keyed by number.
var settingDescriptions = map[string]string{
	"0":   "Step pulse time, microseconds",
	"1":   "Step idle delay, milliseconds",
	"2":   "Step pulse invert, mask",
	"3":   "Step direction invert, mask",
	"4":   "Invert step enable pin, boolean",
	"5":   "Invert limit pins, boolean",
	"6":   "Invert probe pin, boolean",
	"10":  "Status report options, mask",
	"11":  "Junction deviation, millimeters",
	"12":  "Arc tolerance, millimeters",
	"13":  "Report in inches, boolean",
	"20":  "Soft limits enable, boolean",
	"21":  "Hard limits enable, boolean",
	"22":  "Homing cycle enable, boolean",
	"23":  "Homing direction invert, mask",
	"24":  "Homing locate feed rate, mm/min",
	"25":  "Homing search seek rate, mm/min",
	"26":  "Homing switch debounce delay, milliseconds",
	"27":  "Homing switch pull-off distance, millimeters",
	"30":  "Maximum spindle speed, RPM",
	"31":  "Minimum spindle speed, RPM",
	"32":  "Laser-mode enable, boolean",
	"100": "X-axis travel resolution, step/mm",
	"101": "Y-axis travel resolution, step/mm",
	"102": "Z-axis travel resolution, step/mm",
	"103": "A-axis travel resolution, step/mm",
	"110": "X-axis maximum rate, mm/min",
	"111": "Y-axis maximum rate, mm/min",
	"112": "Z-axis maximum rate, mm/min",
	"113": "A-axis maximum rate, mm/min",
	"120": "X-axis acceleration, mm/sec^2",
	"121": "Y-axis acceleration, mm/sec^2",
	"122": "Z-axis acceleration, mm/sec^2",
	"123": "A-axis acceleration, mm/sec^2",
	"130": "X-axis maximum travel, millimeters",
	"131": "Y-axis maximum travel, millimeters",
	"132": "Z-axis maximum travel, millimeters",
	"133": "A-axis maximum travel, millimeters",
}

// Setting is one persisted controller setting: a number for `$N=value` firmware, or a slash
// separated path for config based firmware.
type Setting struct {
	Key         string
	Value       string
	Description string
}

func NewSetting(key, value string) Setting {
	return Setting{
		Key:         key,
		Value:       value,
		Description: settingDescriptions[key],
	}
}

// Settings is a snapshot of controller settings, keyed by Setting.Key.
type Settings map[string]Setting

func (s Settings) Copy() Settings {
	return maps.Clone(s)
}

func (s Settings) Float(key string) (float64, bool) {
	setting, ok := s[key]
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(setting.Value), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func (s Settings) axisFloat(axis string, base int, configKey string) (float64, bool) {
	for i, a := range Axes {
		if a != axis {
			continue
		}
		if value, ok := s.Float(strconv.Itoa(base + i)); ok {
			return value, true
		}
		return s.Float("axes/" + strings.ToLower(axis) + "/" + configKey)
	}
	return 0, false
}

// MaxTravel returns the axis maximum travel in millimeters.
func (s Settings) MaxTravel(axis string) (float64, bool) {
	return s.axisFloat(axis, 130, "max_travel_mm")
}

// MaxRate returns the axis maximum rate in mm/min.
func (s Settings) MaxRate(axis string) (float64, bool) {
	return s.axisFloat(axis, 110, "max_rate_mm_per_min")
}

// SoftLimits returns whether soft limits are enabled.
func (s Settings) SoftLimits() bool {
	value, ok := s.Float("20")
	return ok && value != 0
}

type configLevel struct {
	indent int
	key    string
}

// SettingsCollector accumulates setting messages into Settings. Config style lines are nested
// by indentation and INI sections into slash separated keys.
type SettingsCollector struct {
	settings Settings
	section  string
	levels   []configLevel
}

func NewSettingsCollector() *SettingsCollector {
	return &SettingsCollector{settings: Settings{}}
}

// Add records message if it is a setting line, and returns whether it was.
func (c *SettingsCollector) Add(message Message) bool {
	switch m := message.(type) {
	case *SettingPushMessage:
		c.settings[m.Key] = NewSetting(m.Key, m.Value)
	case *ConfigSectionPushMessage:
		c.section = m.Name
		c.levels = nil
	case *ConfigSettingPushMessage:
		for len(c.levels) > 0 && c.levels[len(c.levels)-1].indent >= m.Indent {
			c.levels = c.levels[:len(c.levels)-1]
		}
		path := []string{}
		if c.section != "" {
			path = append(path, c.section)
		}
		for _, level := range c.levels {
			path = append(path, level.key)
		}
		path = append(path, m.Key)
		if m.Value == "" {
			c.levels = append(c.levels, configLevel{indent: m.Indent, key: m.Key})
			return true
		}
		key := strings.Join(path, "/")
		c.settings[key] = NewSetting(key, m.Value)
	default:
		return false
	}
	return true
}

// Settings returns a copy of what was collected so far.
func (c *SettingsCollector) Settings() Settings {
	return c.settings.Copy()
}

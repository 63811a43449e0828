// Package config loads the engine tunables from defaults, an optional file, .env files and the
// environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fornellas/grblctl/controller"
	"github.com/fornellas/grblctl/execution"
	"github.com/fornellas/grblctl/internal/engine"
	"github.com/fornellas/grblctl/jog"
	"github.com/fornellas/grblctl/probe"
	"github.com/fornellas/grblctl/recovery"
	"github.com/fornellas/grblctl/retry"
	"github.com/fornellas/grblctl/status"
	"github.com/fornellas/grblctl/transport"
)

// EnvPrefix prefixes every environment variable, with nested keys joined by "_":
// GRBLCTL_CONNECTION_BAUD_RATE sets connection.baud_rate.
const EnvPrefix = "GRBLCTL"

type Connection struct {
	PortName string `mapstructure:"port_name"`
	// Address of a TCP serial bridge, used instead of PortName.
	Address          string        `mapstructure:"address"`
	BaudRate         int           `mapstructure:"baud_rate"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	// ReconnectAttempts of 0 reconnects forever.
	ReconnectAttempts   int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
	// BufferCapacity overrides the detected receive buffer capacity when non zero.
	BufferCapacity int `mapstructure:"buffer_capacity"`
}

type Status struct {
	IdleConfirmations int           `mapstructure:"idle_confirmations"`
	FastInterval      time.Duration `mapstructure:"fast_interval"`
	MediumInterval    time.Duration `mapstructure:"medium_interval"`
	SlowInterval      time.Duration `mapstructure:"slow_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

type Execution struct {
	AbortOnError bool          `mapstructure:"abort_on_error"`
	PauseTimeout time.Duration `mapstructure:"pause_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	IdleReports  int           `mapstructure:"idle_reports"`
}

type Jog struct {
	Feeds              map[string]float64 `mapstructure:"feeds"`
	DefaultFeed        float64            `mapstructure:"default_feed"`
	Steps              map[string]float64 `mapstructure:"steps"`
	DefaultStep        float64            `mapstructure:"default_step"`
	ContinuousDistance float64            `mapstructure:"continuous_distance"`
	SoftLimitMargin    float64            `mapstructure:"soft_limit_margin"`
}

type Probe struct {
	Tolerance      float64       `mapstructure:"tolerance"`
	Margin         float64       `mapstructure:"margin"`
	SearchDistance float64       `mapstructure:"search_distance"`
	SeekFeed       float64       `mapstructure:"seek_feed"`
	LatchFeed      float64       `mapstructure:"latch_feed"`
	Retract        float64       `mapstructure:"retract"`
	Touches        int           `mapstructure:"touches"`
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
}

type Recovery struct {
	Attempts       int           `mapstructure:"attempts"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	ReportTimeout  time.Duration `mapstructure:"report_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Backoff        time.Duration `mapstructure:"backoff"`
}

type API struct {
	ListenAddress string `mapstructure:"listen_address"`
}

type Config struct {
	Connection Connection `mapstructure:"connection"`
	Status     Status     `mapstructure:"status"`
	Execution  Execution  `mapstructure:"execution"`
	Jog        Jog        `mapstructure:"jog"`
	Probe      Probe      `mapstructure:"probe"`
	Recovery   Recovery   `mapstructure:"recovery"`
	API        API        `mapstructure:"api"`
}

func Default() Config {
	transportOptions := transport.DefaultOptions()
	pollerOptions := status.DefaultPollerOptions()
	executionOptions := execution.DefaultOptions()
	jogOptions := jog.DefaultOptions()
	probeOptions := probe.DefaultOptions()
	recoveryOptions := recovery.DefaultOptions()
	return Config{
		Connection: Connection{
			BaudRate:            115200,
			HandshakeTimeout:    transportOptions.HandshakeTimeout,
			CommandTimeout:      transportOptions.CommandTimeout,
			ReadTimeout:         transportOptions.ReadTimeout,
			ReconnectBackoff:    transportOptions.Reconnect.InitialBackoff,
			ReconnectMaxBackoff: transportOptions.Reconnect.MaxBackoff,
		},
		Status: Status{
			IdleConfirmations: 2,
			FastInterval:      pollerOptions.Fast,
			MediumInterval:    pollerOptions.Medium,
			SlowInterval:      pollerOptions.Slow,
			StaleAfter:        pollerOptions.StaleAfter,
		},
		Execution: Execution{
			AbortOnError: executionOptions.AbortOnError,
			PauseTimeout: executionOptions.PauseTimeout,
			StopTimeout:  executionOptions.StopTimeout,
			IdleReports:  executionOptions.IdleReports,
		},
		Jog: Jog{
			Feeds:              jogOptions.Feeds,
			DefaultFeed:        jogOptions.DefaultFeed,
			Steps:              jogOptions.Steps,
			DefaultStep:        jogOptions.DefaultStep,
			ContinuousDistance: jogOptions.ContinuousDistance,
			SoftLimitMargin:    jogOptions.SoftLimitMargin,
		},
		Probe: Probe{
			Tolerance:      probeOptions.Tolerance,
			Margin:         probeOptions.Margin,
			SearchDistance: probeOptions.SearchDistance,
			SeekFeed:       probeOptions.SeekFeed,
			LatchFeed:      probeOptions.LatchFeed,
			Retract:        probeOptions.Retract,
			Touches:        probeOptions.Touches,
			StepTimeout:    probeOptions.StepTimeout,
		},
		Recovery: Recovery{
			Attempts:       recoveryOptions.Attempts,
			SettleDelay:    recoveryOptions.SettleDelay,
			ReportTimeout:  recoveryOptions.ReportTimeout,
			CommandTimeout: recoveryOptions.CommandTimeout,
			Backoff:        recoveryOptions.Backoff,
		},
		API: API{
			ListenAddress: "127.0.0.1:8080",
		},
	}
}

// setDefaults registers every leaf of value under its mapstructure key, so AutomaticEnv can
// override keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	valueType := value.Type()
	for i := range valueType.NumField() {
		field := valueType.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			panic(fmt.Sprintf("bug: config field %s has no mapstructure tag", field.Name))
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key, value.Field(i))
			continue
		}
		v.SetDefault(key, value.Field(i).Interface())
	}
}

// Load reads the configuration. envFiles are loaded into the environment first, without
// overriding variables already set; missing ones are ignored. path may be empty for no file.
func Load(path string, envFiles ...string) (Config, error) {
	for _, envFile := range envFiles {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(Default()))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Connection.PortName != "" && c.Connection.Address != "" {
		errs = append(errs, errors.New("connection.port_name and connection.address are exclusive"))
	}
	if c.Connection.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("connection.baud_rate must be positive: %d", c.Connection.BaudRate))
	}
	if c.Connection.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("connection.buffer_capacity must not be negative: %d", c.Connection.BufferCapacity))
	}
	if c.Status.IdleConfirmations < 1 {
		errs = append(errs, fmt.Errorf("status.idle_confirmations must be at least 1: %d", c.Status.IdleConfirmations))
	}
	if c.Probe.Touches < 2 {
		errs = append(errs, fmt.Errorf("probe.touches must be at least 2: %d", c.Probe.Touches))
	}
	if c.Probe.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("probe.tolerance must be positive: %v", c.Probe.Tolerance))
	}
	if c.Recovery.Attempts < 1 {
		errs = append(errs, fmt.Errorf("recovery.attempts must be at least 1: %d", c.Recovery.Attempts))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// upperKeys restores axis names, as keys are case insensitive.
func upperKeys(m map[string]float64) map[string]float64 {
	upper := make(map[string]float64, len(m))
	for k, v := range m {
		upper[strings.ToUpper(k)] = v
	}
	return upper
}

// ControllerOptions maps the configuration to the controller components options.
func (c Config) ControllerOptions() controller.Options {
	return controller.Options{
		Engine: engine.Options{
			Transport: transport.Options{
				HandshakeTimeout: c.Connection.HandshakeTimeout,
				CommandTimeout:   c.Connection.CommandTimeout,
				ReadTimeout:      c.Connection.ReadTimeout,
				Reconnect: retry.Policy{
					Attempts:       c.Connection.ReconnectAttempts,
					InitialBackoff: c.Connection.ReconnectBackoff,
					MaxBackoff:     c.Connection.ReconnectMaxBackoff,
					Multiplier:     2,
				},
				BufferCapacity: c.Connection.BufferCapacity,
			},
			Status: status.Options{
				IdleConfirmations: c.Status.IdleConfirmations,
			},
			Poller: status.PollerOptions{
				Fast:       c.Status.FastInterval,
				Medium:     c.Status.MediumInterval,
				Slow:       c.Status.SlowInterval,
				StaleAfter: c.Status.StaleAfter,
			},
		},
		Execution: execution.Options{
			AbortOnError: c.Execution.AbortOnError,
			PauseTimeout: c.Execution.PauseTimeout,
			StopTimeout:  c.Execution.StopTimeout,
			IdleReports:  c.Execution.IdleReports,
		},
		Jog: jog.Options{
			Feeds:              upperKeys(c.Jog.Feeds),
			DefaultFeed:        c.Jog.DefaultFeed,
			Steps:              upperKeys(c.Jog.Steps),
			DefaultStep:        c.Jog.DefaultStep,
			ContinuousDistance: c.Jog.ContinuousDistance,
			SoftLimitMargin:    c.Jog.SoftLimitMargin,
		},
		Probe: probe.Options{
			Tolerance:      c.Probe.Tolerance,
			Margin:         c.Probe.Margin,
			SearchDistance: c.Probe.SearchDistance,
			SeekFeed:       c.Probe.SeekFeed,
			LatchFeed:      c.Probe.LatchFeed,
			Retract:        c.Probe.Retract,
			Touches:        c.Probe.Touches,
			StepTimeout:    c.Probe.StepTimeout,
			IdleReports:    c.Status.IdleConfirmations,
		},
		Recovery: recovery.Options{
			Attempts:       c.Recovery.Attempts,
			SettleDelay:    c.Recovery.SettleDelay,
			ReportTimeout:  c.Recovery.ReportTimeout,
			CommandTimeout: c.Recovery.CommandTimeout,
			Backoff:        c.Recovery.Backoff,
		},
	}
}

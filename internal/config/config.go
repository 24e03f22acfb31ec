// Package config loads the anchorstream TOML configuration.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"anchorstream/internal/types"
)

// Transports.
const (
	TransportHTTP   = "http"
	TransportStream = "stream"
)

// Surface kinds.
const (
	SurfaceNone  = "none"
	SurfacePlane = "plane"
)

// Server selects the inference server and how frames reach it.
type Server struct {
	Transport             string  `toml:"transport"`
	Endpoint              string  `toml:"endpoint"`
	StreamURL             string  `toml:"stream_url"`
	RequestTimeoutSeconds float64 `toml:"request_timeout_seconds"`
}

type Stream struct {
	AutoReconnect         bool    `toml:"auto_reconnect"`
	ReconnectDelaySeconds float64 `toml:"reconnect_delay_seconds"`
}

// Capture controls the send cadence and image encoding.
type Capture struct {
	SendIntervalSeconds float64 `toml:"send_interval_seconds"`
	HTTPJPEGQuality     int     `toml:"http_jpeg_quality"`
	StreamJPEGQuality   int     `toml:"stream_jpeg_quality"`
	MaxWidth            int     `toml:"max_width"`
	TickHz              float64 `toml:"tick_hz"`
	StartPaused         bool    `toml:"start_paused"`
}

// Surface describes the stand-in surface used for placement when no device surface
// query is available.
type Surface struct {
	Kind        string  `toml:"kind"`
	PlaneHeight float64 `toml:"plane_height"`
}

type Ingest struct {
	Endpoint    string  `toml:"endpoint"`
	LogEvery    int     `toml:"log_every"`
	Simulate    bool    `toml:"simulate"`
	SimulateFPS float64 `toml:"simulate_fps"`
	EyeHeight   float64 `toml:"eye_height"`
}

type Display struct {
	PublishEndpoint string `toml:"publish_endpoint"`
	DrawRays        bool   `toml:"draw_rays"`
}

type Record struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full configuration. Durations are in seconds.
type Config struct {
	Server  Server                 `toml:"server"`
	Stream  Stream                 `toml:"stream"`
	Capture Capture                `toml:"capture"`
	Camera  types.CameraIntrinsics `toml:"camera"`
	Surface Surface                `toml:"surface"`
	Ingest  Ingest                 `toml:"ingest"`
	Display Display                `toml:"display"`
	Record  Record                 `toml:"record"`
	Log     Log                    `toml:"log"`
}

// Load reads path over the defaults and validates the result. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

func (c Config) SendInterval() time.Duration {
	return seconds(c.Capture.SendIntervalSeconds)
}

func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeoutSeconds)
}

func (c Config) ReconnectDelay() time.Duration {
	return seconds(c.Stream.ReconnectDelaySeconds)
}

// TickInterval is the owner loop frame period.
func (c Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Capture.TickHz)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

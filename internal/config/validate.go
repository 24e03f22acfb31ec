package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"anchorstream/internal/geometry"
)

// Validate reports every problem found, combined.
func (c *Config) Validate() error {
	return multierr.Combine(
		c.validateServer(),
		c.validateCapture(),
		c.validateSurface(),
		c.validateLog(),
		errors.Wrap(geometry.CheckIntrinsics(c.Camera), "camera"),
	)
}

func (c *Config) validateServer() error {
	var err error
	switch c.Server.Transport {
	case TransportHTTP:
		err = multierr.Append(err, checkURL("server.endpoint", c.Server.Endpoint, "http", "https"))
	case TransportStream:
		err = multierr.Append(err, checkURL("server.stream_url", c.Server.StreamURL, "ws", "wss"))
		if c.Stream.ReconnectDelaySeconds <= 0 {
			err = multierr.Append(err, errors.New("stream.reconnect_delay_seconds must be positive"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("server.transport must be %q or %q, got %q", TransportHTTP, TransportStream, c.Server.Transport))
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		err = multierr.Append(err, errors.New("server.request_timeout_seconds must be positive"))
	}
	return err
}

func (c *Config) validateCapture() error {
	var err error
	if c.Capture.SendIntervalSeconds <= 0 {
		err = multierr.Append(err, errors.New("capture.send_interval_seconds must be positive"))
	}
	if c.Capture.TickHz <= 0 {
		err = multierr.Append(err, errors.New("capture.tick_hz must be positive"))
	}
	for name, q := range map[string]int{
		"capture.http_jpeg_quality":   c.Capture.HTTPJPEGQuality,
		"capture.stream_jpeg_quality": c.Capture.StreamJPEGQuality,
	} {
		if q < 1 || q > 100 {
			err = multierr.Append(err, fmt.Errorf("%s must be between 1 and 100", name))
		}
	}
	if c.Capture.MaxWidth < 0 {
		err = multierr.Append(err, errors.New("capture.max_width must not be negative"))
	}
	return err
}

func (c *Config) validateSurface() error {
	switch c.Surface.Kind {
	case SurfaceNone, SurfacePlane:
		return nil
	default:
		return fmt.Errorf("surface.kind must be %q or %q", SurfaceNone, SurfacePlane)
	}
}

func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s", field)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", field, strings.Join(schemes, "/"), raw)
}

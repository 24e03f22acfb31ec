package config

import "anchorstream/internal/types"

// Default returns the repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Transport:             TransportHTTP,
			Endpoint:              "http://localhost:8000/get-ar-instructions",
			StreamURL:             "ws://localhost:8000/ws",
			RequestTimeoutSeconds: 10,
		},
		Stream: Stream{
			AutoReconnect:         true,
			ReconnectDelaySeconds: 3,
		},
		Capture: Capture{
			SendIntervalSeconds: 1,
			HTTPJPEGQuality:     75,
			StreamJPEGQuality:   50,
			TickHz:              30,
			StartPaused:         true,
		},
		Camera: types.CameraIntrinsics{
			Width:  1280,
			Height: 960,
			Fx:     870,
			Fy:     870,
			Cx:     640,
			Cy:     480,
		},
		Surface: Surface{
			Kind:        SurfacePlane,
			PlaneHeight: 0,
		},
		Ingest: Ingest{
			Endpoint:    "tcp://localhost:5555",
			LogEvery:    100,
			SimulateFPS: 30,
			EyeHeight:   1.6,
		},
		Record: Record{
			Dir: "recordings",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

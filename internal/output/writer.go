package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"anchorstream/internal/processing"
)

// WriteTracks writes one CSV of marker placements for the session.
func WriteTracks(outputDir, runTimestamp string, tracks []processing.Track) (path string, err error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}
	path = filepath.Join(outputDir, fmt.Sprintf("%s_markers.csv", runTimestamp))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create tracks file")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if _, err := fmt.Fprintln(f, "label, timestamp, x, y, z, distance, hit"); err != nil {
		return "", err
	}
	for _, track := range tracks {
		for _, s := range track.Samples {
			_, err := fmt.Fprintf(
				f,
				"%s, %.6f, %.4f, %.4f, %.4f, %.4f, %t\n",
				track.Label,
				float64(s.At.UnixNano())/1e9,
				s.Position.X,
				s.Position.Y,
				s.Position.Z,
				s.Distance,
				s.Hit,
			)
			if err != nil {
				return "", err
			}
		}
	}
	return path, nil
}

package processing

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

// Sample is one placement of a label.
type Sample struct {
	At       time.Time
	Position r3.Vector
	Distance float64
	Hit      bool
}

// Track is the placement history of one label.
type Track struct {
	Label   string
	Samples []Sample
	Hits    int
}

// Last returns the newest sample.
func (t Track) Last() Sample {
	if len(t.Samples) == 0 {
		return Sample{}
	}
	return t.Samples[len(t.Samples)-1]
}

// Tracks aggregates placements per label. Safe for concurrent use.
type Tracks struct {
	mu         sync.Mutex
	maxSamples int
	tracks     map[string]*Track
	count      int
}

// NewTracks keeps at most maxSamples samples per label; zero keeps everything.
func NewTracks(maxSamples int) *Tracks {
	return &Tracks{
		maxSamples: maxSamples,
		tracks:     make(map[string]*Track),
	}
}

func (a *Tracks) Add(label string, s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr, ok := a.tracks[label]
	if !ok {
		tr = &Track{Label: label}
		a.tracks[label] = tr
	}
	tr.Samples = append(tr.Samples, s)
	if a.maxSamples > 0 && len(tr.Samples) > a.maxSamples {
		tr.Samples = tr.Samples[len(tr.Samples)-a.maxSamples:]
	}
	if s.Hit {
		tr.Hits++
	}
	a.count++
}

func (a *Tracks) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Tracks) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count = 0
	a.tracks = make(map[string]*Track)
}

// Snapshot returns a copy of every track sorted by label.
func (a *Tracks) Snapshot() []Track {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Track, 0, len(a.tracks))
	for _, tr := range a.tracks {
		samples := make([]Sample, len(tr.Samples))
		copy(samples, tr.Samples)
		out = append(out, Track{Label: tr.Label, Samples: samples, Hits: tr.Hits})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Timestamp formats now for output file names.
func Timestamp() string {
	return time.Now().Format("20060102_150405")
}

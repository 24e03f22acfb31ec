package display

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/geo/r3"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"anchorstream/internal/geometry"
	"anchorstream/internal/types"
)

// Event is the CBOR message published for every display change.
type Event struct {
	Type      string            `cbor:"type"`
	Timestamp float64           `cbor:"timestamp"`
	Label     string            `cbor:"label,omitempty"`
	Handle    string            `cbor:"handle,omitempty"`
	Position  *types.Vector3Doc `cbor:"position,omitempty"`
	Direction *types.Vector3Doc `cbor:"direction,omitempty"`
	Distance  float64           `cbor:"distance,omitempty"`
	Hit       bool              `cbor:"hit,omitempty"`
	Text      string            `cbor:"text,omitempty"`
}

type socket interface {
	SendBytes(data []byte, flags zmq4.Flag) (int, error)
	Close() error
}

// Publisher forwards display changes to a renderer over a ZMQ PUB socket. Marker
// bookkeeping is delegated to a LogDisplay so handles stay valid even when nobody
// is subscribed.
type Publisher struct {
	*LogDisplay
	sock   socket
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewPublisher binds a PUB socket on endpoint.
func NewPublisher(endpoint string, logger *zap.SugaredLogger) (*Publisher, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, errors.Wrap(err, "create publisher socket")
	}
	if err := sock.Bind(endpoint); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "bind %s", endpoint), sock.Close())
	}
	return newPublisher(sock, logger), nil
}

func newPublisher(sock socket, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		LogDisplay: NewLogDisplay(logger, true),
		sock:       sock,
		logger:     logger,
		now:        time.Now,
	}
}

func (p *Publisher) Show(label string, at r3.Vector) (string, error) {
	handle, err := p.LogDisplay.Show(label, at)
	if err != nil {
		return "", err
	}
	p.publish(Event{Type: "show", Label: label, Handle: handle, Position: vec(at)})
	return handle, nil
}

func (p *Publisher) Remove(handle string) error {
	if err := p.LogDisplay.Remove(handle); err != nil {
		return err
	}
	p.publish(Event{Type: "remove", Handle: handle})
	return nil
}

func (p *Publisher) DrawRay(label string, pl geometry.Placement) {
	p.publish(Event{
		Type:      "ray",
		Label:     label,
		Position:  vec(pl.Ray.Origin),
		Direction: vec(pl.Ray.Direction),
		Distance:  pl.Distance,
		Hit:       pl.Hit,
	})
}

func (p *Publisher) SetStatus(text string) {
	p.LogDisplay.SetStatus(text)
	p.publish(Event{Type: "status", Text: text})
}

func (p *Publisher) Close() error {
	return p.sock.Close()
}

func (p *Publisher) publish(ev Event) {
	ev.Timestamp = float64(p.now().UnixNano()) / 1e9
	payload, err := cbor.Marshal(ev)
	if err != nil {
		p.logger.Warnw("cannot encode display event", "type", ev.Type, "error", err)
		return
	}
	if _, err := p.sock.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		p.logger.Debugw("display event dropped", "type", ev.Type, "error", err)
	}
}

func vec(v r3.Vector) *types.Vector3Doc {
	return &types.Vector3Doc{X: v.X, Y: v.Y, Z: v.Z}
}

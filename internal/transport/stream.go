package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"anchorstream/internal/compression"
	"anchorstream/internal/mainloop"
	"anchorstream/internal/types"
)

const (
	DefaultReconnectDelay = 3 * time.Second

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// State is the streaming connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the part of a WebSocket connection the stream uses. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// keepAliveConn is implemented by *websocket.Conn.
type keepAliveConn interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Message is one inbound frame.
type Message struct {
	Type int
	Data []byte
}

func (m Message) IsText() bool {
	return m.Type == websocket.TextMessage
}

// Disconnect describes why the stream left Open or Connecting.
type Disconnect struct {
	Err      error
	Clean    bool
	Retrying bool
}

type StreamConfig struct {
	URL            string
	AutoReconnect  bool
	ReconnectDelay time.Duration
	Quality        int
	MaxWidth       int
}

type StreamOption func(*StreamChannel)

func WithDialer(d Dialer) StreamOption {
	return func(s *StreamChannel) { s.dialer = d }
}

func WithClock(c clock.Clock) StreamOption {
	return func(s *StreamChannel) { s.clock = c }
}

// StreamChannel keeps a WebSocket open to the server. Connection state is guarded by a mutex
// because dial, read and timer goroutines all report into it; every notification is
// delivered on the dispatcher's goroutine.
type StreamChannel struct {
	OnOpen       mainloop.Signal[struct{}]
	OnDisconnect mainloop.Signal[Disconnect]
	OnMessage    mainloop.Signal[Message]

	cfg      StreamConfig
	logger   *zap.SugaredLogger
	dispatch mainloop.Dispatcher
	dialer   Dialer
	clock    clock.Clock

	mu              sync.Mutex
	state           State
	conn            Conn
	gen             uint64
	shouldReconnect bool
	stopped         bool
	reconnectTimer  *clock.Timer
	scheduled       int

	writeMu        sync.Mutex
	encoder        *compression.Encoder
	encodeInFlight *atomic.Bool
	now            func() time.Time
}

func NewStreamChannel(cfg StreamConfig, dispatch mainloop.Dispatcher, logger *zap.SugaredLogger, opts ...StreamOption) (*StreamChannel, error) {
	if cfg.URL == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Quality == 0 {
		cfg.Quality = compression.DefaultStreamQuality
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &StreamChannel{
		cfg:            cfg,
		logger:         logger,
		dispatch:       dispatch,
		dialer:         WebsocketDialer{},
		clock:          clock.New(),
		encoder:        compression.NewEncoder(cfg.Quality, cfg.MaxWidth),
		encodeInFlight: atomic.NewBool(false),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *StreamChannel) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamChannel) IsOpen() bool {
	return s.State() == Open
}

// ScheduledReconnects counts reconnect attempts scheduled since creation.
func (s *StreamChannel) ScheduledReconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Connect starts a connection attempt. It does nothing while an attempt is in flight or
// the stream is already open.
func (s *StreamChannel) Connect() {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Connecting
	s.shouldReconnect = s.cfg.AutoReconnect
	s.stopped = false
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.logger.Infow("connecting", "url", s.cfg.URL)
	go func() {
		conn, err := s.dialer.Dial(context.Background(), s.cfg.URL)
		s.dialed(gen, conn, err)
	}()
}

func (s *StreamChannel) dialed(gen uint64, conn Conn, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != Connecting || s.stopped {
		if s.state == Connecting && gen == s.gen {
			s.state = Disconnected
		}
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Errorw("connection failed", "url", s.cfg.URL, "error", err)
		s.disconnectLocked(Disconnect{Err: err})
		return
	}
	s.state = Open
	s.conn = conn
	s.mu.Unlock()

	s.logger.Infow("connection opened", "url", s.cfg.URL)
	if ka, ok := conn.(keepAliveConn); ok {
		_ = ka.SetReadDeadline(time.Now().Add(pongWait))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	s.dispatch.Post(func() { s.OnOpen.Emit(struct{}{}) })
	done := make(chan struct{})
	go s.readLoop(gen, conn, done)
	go s.pingLoop(conn, done)
}

func (s *StreamChannel) readLoop(gen uint64, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(gen, conn, err)
			return
		}
		msg := Message{Type: messageType, Data: data}
		s.dispatch.Post(func() { s.OnMessage.Emit(msg) })
	}
}

func (s *StreamChannel) pingLoop(conn Conn, done chan struct{}) {
	if _, ok := conn.(keepAliveConn); !ok {
		return
	}
	ticker := s.clock.Ticker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *StreamChannel) readFailed(gen uint64, conn Conn, err error) {
	_ = conn.Close()
	s.mu.Lock()
	if gen != s.gen || (s.state != Open && s.state != Closing) {
		s.mu.Unlock()
		return
	}
	clean := s.state == Closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		s.logger.Infow("connection closed", "url", s.cfg.URL, "reason", err)
	} else {
		s.logger.Errorw("connection error", "url", s.cfg.URL, "error", err)
	}
	s.disconnectLocked(Disconnect{Err: err, Clean: clean})
}

// disconnectLocked enters Disconnected and schedules at most one reconnect. Called with mu
// held; releases it.
func (s *StreamChannel) disconnectLocked(ev Disconnect) {
	s.state = Disconnected
	s.conn = nil
	if s.shouldReconnect && s.reconnectTimer == nil {
		s.scheduled++
		s.reconnectTimer = s.clock.AfterFunc(s.cfg.ReconnectDelay, s.reconnectDue)
		ev.Retrying = true
	}
	s.mu.Unlock()

	if ev.Retrying {
		s.logger.Infow("reconnect scheduled", "delay", s.cfg.ReconnectDelay)
	}
	s.dispatch.Post(func() { s.OnDisconnect.Emit(ev) })
}

func (s *StreamChannel) reconnectDue() {
	s.mu.Lock()
	s.reconnectTimer = nil
	retry := s.shouldReconnect && s.state == Disconnected
	s.mu.Unlock()
	if retry {
		s.logger.Infow("reconnecting", "url", s.cfg.URL)
		s.Connect()
	}
}

// Shutdown disables reconnect and closes the connection if it is open. It never blocks on
// the network.
func (s *StreamChannel) Shutdown() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.stopped = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.state != Open {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	conn := s.conn
	s.mu.Unlock()

	go func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.write(conn, websocket.CloseMessage, msg); err != nil {
			s.logger.Debugw("close frame not sent", "error", err)
		}
		_ = conn.Close()
	}()
}

func (s *StreamChannel) write(conn Conn, messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (s *StreamChannel) send(messageType int, payload []byte) error {
	s.mu.Lock()
	if s.state != Open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()
	if err := s.write(conn, messageType, payload); err != nil {
		s.logger.Errorw("send failed", "error", err)
		return err
	}
	return nil
}

// SendText sends a text frame. It is a no-op returning ErrNotOpen unless the stream is open.
func (s *StreamChannel) SendText(text []byte) error {
	return s.send(websocket.TextMessage, text)
}

// SendBinary sends a binary frame. It is a no-op returning ErrNotOpen unless the stream is open.
func (s *StreamChannel) SendBinary(payload []byte) error {
	return s.send(websocket.BinaryMessage, payload)
}

// SendDetections reports locally placed detections as a timestamped text message.
func (s *StreamChannel) SendDetections(reports []DetectionReport) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	payload, err := encodeDetections(s.now(), reports)
	if err != nil {
		return err
	}
	return s.SendText(payload)
}

// SendTextMessage sends a free-form timestamped text message.
func (s *StreamChannel) SendTextMessage(text string) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	payload, err := encodeText(s.now(), text)
	if err != nil {
		return err
	}
	return s.SendText(payload)
}

// Busy reports whether an image encode/send is in flight.
func (s *StreamChannel) Busy() bool {
	return s.encodeInFlight.Load()
}

// Send is SendImage.
func (s *StreamChannel) Send(frame types.Frame, pose types.CameraPose) bool {
	return s.SendImage(frame, pose)
}

// SendImage stages frame, encodes it on a worker goroutine, then sends the metadata text
// followed by the image bytes from the dispatcher's goroutine. It returns false when the
// stream is not open or a previous image is still in flight.
func (s *StreamChannel) SendImage(frame types.Frame, pose types.CameraPose) bool {
	if !s.IsOpen() {
		return false
	}
	if !s.encodeInFlight.CompareAndSwap(false, true) {
		return false
	}
	metadata, err := EncodeMetadata(s.now(), frame, pose)
	if err != nil {
		s.logger.Errorw("cannot build metadata", "error", err)
		s.encodeInFlight.Store(false)
		return false
	}
	if err := s.encoder.Stage(frame); err != nil {
		s.logger.Errorw("cannot stage frame", "error", err)
		s.encodeInFlight.Store(false)
		return false
	}

	go func() {
		payload, err := s.encoder.Encode()
		s.dispatch.Post(func() {
			defer s.encodeInFlight.Store(false)
			if err != nil {
				s.logger.Errorw("image encoding failed", "error", err)
				return
			}
			if err := s.SendText(metadata); err != nil {
				return
			}
			_ = s.SendBinary(payload)
		})
	}()
	return true
}

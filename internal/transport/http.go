package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"anchorstream/internal/compression"
	"anchorstream/internal/mainloop"
	"anchorstream/internal/types"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
	requestIDHeader       = "X-Request-ID"
)

type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Quality  int
	MaxWidth int
}

// HTTPChannel posts one frame at a time and reports exactly one outcome per accepted send.
// Outcomes are delivered on the dispatcher's goroutine.
type HTTPChannel struct {
	OnInstruction mainloop.Signal[[]byte]
	OnError       mainloop.Signal[[]byte]

	cfg      HTTPConfig
	client   *http.Client
	logger   *zap.SugaredLogger
	dispatch mainloop.Dispatcher
	encoder  *compression.Encoder
	inFlight *atomic.Bool
	now      func() time.Time
}

func NewHTTPChannel(cfg HTTPConfig, dispatch mainloop.Dispatcher, logger *zap.SugaredLogger) (*HTTPChannel, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Quality == 0 {
		cfg.Quality = compression.DefaultHTTPQuality
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPChannel{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		dispatch: dispatch,
		encoder:  compression.NewEncoder(cfg.Quality, cfg.MaxWidth),
		inFlight: atomic.NewBool(false),
		now:      time.Now,
	}, nil
}

// Busy reports whether a request is outstanding.
func (c *HTTPChannel) Busy() bool {
	return c.inFlight.Load()
}

// Send starts a request for frame. It returns false without any callback when a request is
// already outstanding or the frame cannot be staged.
func (c *HTTPChannel) Send(frame types.Frame, pose types.CameraPose) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debug("request already in progress, skipping frame")
		return false
	}
	metadata, err := EncodeMetadata(c.now(), frame, pose)
	if err != nil {
		c.logger.Errorw("cannot build metadata", "error", err)
		c.inFlight.Store(false)
		return false
	}
	if err := c.encoder.Stage(frame); err != nil {
		c.logger.Errorw("cannot stage frame", "error", err)
		c.inFlight.Store(false)
		return false
	}

	go func() {
		ok, body := c.exchange(metadata)
		c.dispatch.Post(func() {
			defer c.inFlight.Store(false)
			if ok {
				c.OnInstruction.Emit(body)
				return
			}
			c.OnError.Emit(body)
		})
	}()
	return true
}

func (c *HTTPChannel) exchange(metadata []byte) (bool, []byte) {
	image, err := c.encoder.Encode()
	if err != nil {
		c.logger.Errorw("failed to encode frame", "error", err)
		return false, ErrorBody(fmt.Sprintf("encode frame: %v", err))
	}

	body, contentType, err := buildMultipart(image, metadata)
	if err != nil {
		return false, ErrorBody(err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return false, ErrorBody(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", contentType)
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)

	c.logger.Debugw("sending frame", "endpoint", c.cfg.Endpoint, "request_id", requestID, "bytes", len(image))
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warnw("request failed", "request_id", requestID, "error", err)
		return false, ErrorBody(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warnw("reading response failed", "request_id", requestID, "error", err)
		return false, ErrorBody(fmt.Sprintf("read response: %v", err))
	}
	respBody = bytes.TrimSpace(respBody)
	c.logger.Debugw("response received", "request_id", requestID, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warnw("non-200 response", "request_id", requestID, "status", resp.StatusCode)
		if len(respBody) == 0 {
			return false, ErrorBody(fmt.Sprintf("Received status %d", resp.StatusCode))
		}
		return false, respBody
	}
	if !json.Valid(respBody) {
		c.logger.Warnw("malformed response body", "request_id", requestID)
		return false, ErrorBody("malformed response body")
	}
	return true, respBody
}

func buildMultipart(image, metadata []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	imageHeader := make(textproto.MIMEHeader)
	imageHeader.Set("Content-Disposition", `form-data; name="image"; filename="frame.jpg"`)
	imageHeader.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(imageHeader)
	if err != nil {
		return nil, "", errors.Wrap(err, "create image part")
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", errors.Wrap(err, "write image part")
	}

	metaHeader := make(textproto.MIMEHeader)
	metaHeader.Set("Content-Disposition", `form-data; name="metadata"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err = writer.CreatePart(metaHeader)
	if err != nil {
		return nil, "", errors.Wrap(err, "create metadata part")
	}
	if _, err := part.Write(metadata); err != nil {
		return nil, "", errors.Wrap(err, "write metadata part")
	}

	if err := writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return body, writer.FormDataContentType(), nil
}

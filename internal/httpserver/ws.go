package httpserver

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/skobkin/dcgmtop-web/internal/api"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

const (
	wsSendQueueSize  = 16
	wsInboxSize      = 8
	wsQueueCloseText = "send queue unavailable"
)

var errSendQueue = errors.New(wsQueueCloseText)

// wsStats tracks stream clients for capacity control and /metrics.
type wsStats struct {
	limit    int64
	active   atomic.Int64
	total    atomic.Uint64
	rejected atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	ids      atomic.Uint64
}

// acquire reserves a client slot; a zero limit means unlimited.
func (st *wsStats) acquire() bool {
	for {
		current := st.active.Load()
		if st.limit > 0 && current >= st.limit {
			st.rejected.Add(1)
			return false
		}
		if st.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (st *wsStats) release() {
	st.active.Add(-1)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := s.loggerFromContext(r.Context())
	if !s.ws.acquire() {
		logger.Warn("websocket rejected", "reason", "capacity", "limit", s.ws.limit)
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.ws.release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		logger.Warn("websocket accept failed", "err", err)
		return
	}
	s.ws.total.Add(1)

	stream := &wsStream{
		srv:        s,
		conn:       conn,
		out:        newWSOutbound(wsSendQueueSize, &s.ws.dropped),
		logger:     logger.With("ws_id", s.ws.ids.Add(1)),
		defaultGPU: s.defaultGPU(),
	}
	status, reason := stream.serve(r.Context())
	closeWebsocket(stream.logger, conn, status, reason)
}

// wsStream is one client connection. Only serve's goroutine touches the
// subscription fields.
type wsStream struct {
	srv        *Server
	conn       *websocket.Conn
	out        *wsOutbound
	logger     *slog.Logger
	defaultGPU string

	gpuID       string
	samples     <-chan sampler.Sample
	unsubscribe func()
}

// serve runs the stream until the client leaves or the queue breaks and
// returns the close status to send.
func (st *wsStream) serve(parent context.Context) (websocket.StatusCode, string) {
	ctx, cancel := context.WithCancel(parent)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		st.writeLoop(ctx, cancel)
	}()
	defer func() {
		st.detach()
		st.out.close()
		cancel()
		<-writerDone
	}()

	if err := st.send(st.srv.helloMessage()); err != nil {
		return websocket.StatusInternalError, wsQueueCloseText
	}
	if err := st.attachDefault(); err != nil {
		return websocket.StatusInternalError, wsQueueCloseText
	}

	inbox := make(chan []byte, wsInboxSize)
	readErr := make(chan error, 1)
	go st.readLoop(ctx, inbox, readErr)

	for {
		select {
		case sample, ok := <-st.samples:
			if !ok {
				st.samples, st.gpuID = nil, ""
				continue
			}
			if err := st.send(api.NewStatsMessage(sample)); err != nil {
				return websocket.StatusInternalError, wsQueueCloseText
			}
		case data, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			if err := st.handle(data); err != nil {
				st.logger.Warn("client message handling error", "err", err)
				return websocket.StatusInternalError, wsQueueCloseText
			}
		case err := <-readErr:
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				st.logger.Warn("websocket read error", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		}
	}
}

func (st *wsStream) attachDefault() error {
	switch {
	case st.defaultGPU != "":
		if err := st.attach(st.defaultGPU); err != nil {
			st.logger.Warn("failed to subscribe default gpu", "gpu_id", st.defaultGPU, "err", err)
			return st.sendError(fmt.Sprintf("failed to subscribe default gpu: %v", err))
		}
	case len(st.srv.gpus) == 0:
		return st.sendError("no GPUs reported by DCGM")
	}
	return nil
}

// attach moves the stream to another GPU. Re-attaching to the current GPU
// is a no-op.
func (st *wsStream) attach(gpuID string) error {
	if _, ok := st.srv.gpuIndex[gpuID]; !ok {
		return fmt.Errorf("unknown gpu %q", gpuID)
	}
	if st.srv.sampler == nil {
		return fmt.Errorf("sampler unavailable")
	}
	if gpuID == st.gpuID {
		return nil
	}
	st.detach()

	ch, unsubscribe, err := st.srv.sampler.Subscribe(gpuID)
	if err != nil {
		return err
	}
	st.gpuID, st.samples, st.unsubscribe = gpuID, ch, unsubscribe
	st.logger.Info("ws subscribed", "gpu_id", gpuID)
	return nil
}

func (st *wsStream) detach() {
	if st.unsubscribe != nil {
		st.unsubscribe()
	}
	st.gpuID, st.samples, st.unsubscribe = "", nil, nil
}

// handle processes one client frame. Bad input is reported to the client;
// only a broken send queue is returned as an error.
func (st *wsStream) handle(data []byte) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		st.logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return st.sendError("invalid subscribe payload")
		}
		target := cmp.Or(msg.GPUId, st.defaultGPU)
		if target == "" {
			return st.sendError("no gpu_id provided and no default available")
		}
		if err := st.attach(target); err != nil {
			return st.sendError(err.Error())
		}
	case "ping":
		return st.send(api.PongMessage{Type: "pong"})
	default:
		st.logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (st *wsStream) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		st.logger.Error("failed to marshal websocket payload", "err", err)
		return err
	}
	if !st.out.enqueue(data) {
		st.logger.Warn("websocket outbound queue unavailable")
		return errSendQueue
	}
	return nil
}

func (st *wsStream) sendError(message string) error {
	return st.send(api.ErrorMessage{Type: "error", Message: message})
}

// readLoop forwards text frames to inbox. Read timeouts only bound a single
// wait and are not fatal.
func (st *wsStream) readLoop(ctx context.Context, inbox chan<- []byte, errCh chan<- error) {
	defer close(inbox)
	timeout := st.srv.cfg.WS.ReadTimeout
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		msgType, data, err := st.conn.Read(readCtx)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case err != nil:
			errCh <- err
			return
		case msgType != websocket.MessageText:
			continue
		}
		select {
		case inbox <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (st *wsStream) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	timeout := st.srv.cfg.WS.WriteTimeout
	for {
		var (
			data []byte
			ok   bool
		)
		select {
		case <-ctx.Done():
			return
		case data, ok = <-st.out.channel():
			if !ok {
				return
			}
		}

		writeCtx, stop := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			writeCtx, stop = context.WithTimeout(ctx, timeout)
		}
		err := st.conn.Write(writeCtx, websocket.MessageText, data)
		stop()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				st.logger.Warn("websocket write failed", "err", err)
			}
			cancel()
			return
		}
		st.srv.ws.sent.Add(1)
	}
}

// wsOutbound is a bounded send queue that drops the oldest message when
// full so a slow client always sees the most recent stats.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, drops *atomic.Uint64) *wsOutbound {
	return &wsOutbound{
		ch:    make(chan []byte, max(size, 1)),
		drops: drops,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	for attempt := 0; attempt < 2; attempt++ {
		if o.closed.Load() {
			break
		}
		select {
		case o.ch <- msg:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.countDrop()
		default:
		}
	}
	o.countDrop()
	return false
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}

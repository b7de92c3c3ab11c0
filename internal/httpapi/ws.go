package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/audio"
	"github.com/ent0n29/carevoice/internal/fault"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/protocol"
	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/voice"
)

const (
	wsReadLimit    = 2 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsMicBuffer    = 256
	wsPushTimeout  = time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if strings.TrimSpace(sessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if err := memory.ValidateSessionID(sessionID); err != nil {
		respondError(w, http.StatusBadRequest, string(fault.InvalidSession), err.Error())
		return
	}
	if s.turns == nil || s.stt == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	vc := &voiceConn{
		server:    s,
		sessionID: sessionID,
		ctx:       ctx,
		out:       outbound,
		logger:    s.logger.With(zap.String("session_id", sessionID)),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()

	vc.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ready"})

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			vc.sendError("invalid_client_message", "gateway", false, err.Error())
			continue
		}
		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			s.countWSMessage("inbound", protocol.TypeClientAudioChunk)
			vc.handleAudio(msg)
		case protocol.ClientControl:
			s.countWSMessage("inbound", protocol.TypeClientControl)
			vc.handleControl(msg)
		}
	}

	cancel()
	vc.close()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

// writeLoop is the only writer on conn. A failed write closes conn so the
// read loop unblocks.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		case msg := <-outbound:
			payload, err := sonic.Marshal(msg)
			if err != nil {
				s.logger.Warn("encode websocket message failed", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
			if t := protocol.MessageTypeOf(msg); t != "" {
				s.countWSMessage("outbound", t)
			}
		}
	}
}

func (s *Server) countWSMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

// voiceConn runs voice turns for one websocket connection. At most one voice
// turn is active at a time; audio arriving while a turn is finalizing or
// generating is dropped.
type voiceConn struct {
	server    *Server
	sessionID string
	ctx       context.Context
	out       chan<- any
	logger    *zap.Logger

	mu         sync.Mutex
	turnActive bool
	mic        *voice.ChannelMicrophone
	capture    *voice.CaptureSession
	wg         sync.WaitGroup
}

func (c *voiceConn) handleAudio(msg protocol.ClientAudioChunk) {
	pcm, err := msg.PCM16()
	if err != nil {
		c.sendError("invalid_audio", "gateway", false, err.Error())
		return
	}

	c.mu.Lock()
	if !c.turnActive {
		c.startLocked(msg.SampleRate)
	}
	mic, capture := c.mic, c.capture
	c.mu.Unlock()

	if capture == nil || capture.State() != voice.CaptureRecording {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, wsPushTimeout)
	defer cancel()
	if err := mic.Push(ctx, pcm); err != nil {
		c.logger.Debug("dropped audio chunk", zap.Int("seq", msg.Seq), zap.Error(err))
	}
}

func (c *voiceConn) handleControl(msg protocol.ClientControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case protocol.ActionStart:
		if !c.turnActive {
			c.startLocked(msg.SampleRate)
		}
	case protocol.ActionStop:
		if c.capture != nil {
			c.capture.Stop()
		}
	case protocol.ActionCancel:
		if c.capture != nil {
			c.capture.Abort()
		}
	}
}

func (c *voiceConn) startLocked(sampleRate int) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	mic := voice.NewChannelMicrophone(sampleRate, wsMicBuffer)
	cfg := c.server.capture
	cfg.OnState = c.onCaptureState
	capture := voice.NewCaptureSession(mic, c.server.stt, cfg, c.logger)
	if err := capture.Start(c.ctx); err != nil {
		c.sendError(string(fault.KindOf(err)), "capture", true, fault.DetailOf(err))
		return
	}
	if c.server.metrics != nil {
		c.server.metrics.ActiveCaptures.Inc()
	}

	c.turnActive = true
	c.mic = mic
	c.capture = capture
	c.wg.Add(1)
	go c.runVoiceTurn(mic, capture)
}

func (c *voiceConn) runVoiceTurn(mic *voice.ChannelMicrophone, capture *voice.CaptureSession) {
	defer c.wg.Done()
	defer func() {
		mic.Close()
		c.mu.Lock()
		c.turnActive = false
		c.mic = nil
		c.capture = nil
		c.mu.Unlock()
	}()

	result, err := capture.Wait(c.ctx)
	if c.server.metrics != nil {
		c.server.metrics.ActiveCaptures.Dec()
	}
	if c.ctx.Err() != nil {
		capture.Abort()
		return
	}
	c.send(protocol.CaptureState{
		Type:      protocol.TypeCaptureState,
		SessionID: c.sessionID,
		State:     string(capture.State()),
		EndReason: string(result.EndReason),
	})
	if err == nil {
		c.send(protocol.STTCommitted{
			Type:      protocol.TypeSTTCommitted,
			SessionID: c.sessionID,
			Text:      result.Transcript.Text,
			TSMs:      time.Now().UnixMilli(),
		})
	}

	reply, err := c.server.turns.HandleVoiceTurn(c.ctx, c.sessionID, capture)
	if err != nil {
		if c.ctx.Err() == nil {
			c.sendError(string(fault.KindOf(err)), "turn", reliability.IsRetryableFault(err), fault.DetailOf(err))
		}
		return
	}
	msg := protocol.AssistantMessage{
		Type:      protocol.TypeAssistantMessage,
		SessionID: c.sessionID,
		TurnID:    reply.TurnID,
	}
	if !reply.Missing {
		content := reply.Content
		msg.Text = &content
	}
	c.send(msg)
}

// onCaptureState forwards non-terminal states; terminal ones are sent with
// their end reason once the capture finishes.
func (c *voiceConn) onCaptureState(state voice.CaptureState) {
	if state.Terminal() {
		return
	}
	c.send(protocol.CaptureState{
		Type:      protocol.TypeCaptureState,
		SessionID: c.sessionID,
		State:     string(state),
	})
}

func (c *voiceConn) send(msg any) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

func (c *voiceConn) sendError(code, source string, retry bool, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retry,
		Detail:    detail,
	})
}

// close aborts any capture in progress and waits for its turn to unwind.
func (c *voiceConn) close() {
	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture != nil {
		capture.Abort()
	}
	c.wg.Wait()
}

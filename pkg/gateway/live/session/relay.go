// Package session relays one browser voice session to the realtime model.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/stride-coach/stride/pkg/coach/tools"
	"github.com/stride-coach/stride/pkg/gateway/live/protocol"
	"github.com/stride-coach/stride/pkg/gateway/live/upstream"
	"github.com/stride-coach/stride/pkg/store"
)

var (
	// ErrUpstreamClosed ends a session whose realtime connection dropped.
	ErrUpstreamClosed = errors.New("realtime connection closed")

	errClientClosed = errors.New("client disconnected")
	errBackpressure = errors.New("outbound queue full")
)

// Conn is the websocket surface the relay uses. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Store is the session's record store handle.
type Store interface {
	tools.Records
	AppendMessage(ctx context.Context, conversationID uint, role, content string) (store.Message, error)
}

type Dispatcher interface {
	Execute(ctx context.Context, records tools.Records, userID uint, name string, args map[string]any) tools.Result
}

// Observer receives relay counters. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveAudio(direction string, bytes int)
	ObserveUpstreamError(kind string)
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

type Dependencies struct {
	Client         Conn
	Upstream       Conn
	Store          Store
	Tools          Dispatcher
	Logger         *slog.Logger
	Observer       Observer
	UserID         uint
	ConversationID uint
	Config         Config
}

// Relay pumps frames between the client and the realtime model until either side ends.
type Relay struct {
	client         Conn
	upstream       Conn
	store          Store
	tools          Dispatcher
	logger         *slog.Logger
	observer       Observer
	userID         uint
	conversationID uint
	cfg            Config

	clientPriority   chan outboundFrame
	clientNormal     chan outboundFrame
	upstreamPriority chan outboundFrame
	upstreamNormal   chan outboundFrame

	closeUpstreamOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	ran    bool
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	return &Relay{
		client:           deps.Client,
		upstream:         deps.Upstream,
		store:            deps.Store,
		tools:            deps.Tools,
		logger:           logger,
		observer:         deps.Observer,
		userID:           deps.UserID,
		conversationID:   deps.ConversationID,
		cfg:              cfg,
		clientPriority:   make(chan outboundFrame, 16),
		clientNormal:     make(chan outboundFrame, cfg.OutboundQueueSize),
		upstreamPriority: make(chan outboundFrame, 16),
		upstreamNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
	}, nil
}

// Run relays until the client disconnects, the upstream drops, a socket
// fails, or ctx is canceled. A clean client disconnect returns nil. Every
// goroutine started by Run has exited when it returns, frames queued before
// the end have been written where the socket still accepts them, and the
// upstream connection is closed. The client connection is left open for the
// caller.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return fmt.Errorf("relay already ran")
	}
	r.ran = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	// Writers stop only once the pumps have joined, so nothing a pump queued is lost.
	writersCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()

	var (
		failMu   sync.Mutex
		writeErr error
	)
	fail := func(err error) error {
		failMu.Lock()
		if writeErr == nil && ctx.Err() == nil {
			writeErr = err
		}
		failMu.Unlock()
		cancel()
		return err
	}

	var writers errgroup.Group
	writers.Go(func() error {
		w := &outboundWriter{
			ws:           r.client,
			ctx:          writersCtx,
			pingInterval: r.cfg.PingInterval,
			writeTimeout: r.cfg.WriteTimeout,
			priority:     r.clientPriority,
			normal:       r.clientNormal,
		}
		if err := w.Run(); err != nil {
			return fail(fmt.Errorf("write client: %w", err))
		}
		return nil
	})
	writers.Go(func() error {
		w := &outboundWriter{
			ws:           r.upstream,
			ctx:          writersCtx,
			writeTimeout: r.cfg.WriteTimeout,
			priority:     r.upstreamPriority,
			normal:       r.upstreamNormal,
		}
		if err := w.Run(); err != nil {
			return fail(fmt.Errorf("write upstream: %w", err))
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.clientPump(gctx) })
	g.Go(func() error { return r.upstreamPump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = r.client.SetReadDeadline(time.Now())
		_ = r.upstream.SetReadDeadline(time.Now())
		return nil
	})

	err := g.Wait()
	stopWriters()
	_ = writers.Wait()
	r.closeUpstream()
	_ = r.client.SetReadDeadline(time.Time{})

	failMu.Lock()
	if writeErr != nil && errors.Is(err, context.Canceled) {
		err = writeErr
	}
	failMu.Unlock()
	if errors.Is(err, errClientClosed) {
		return nil
	}
	return err
}

// Cancel stops a running relay.
func (r *Relay) Cancel() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Notify queues an error frame for the client without blocking.
func (r *Relay) Notify(message string) error {
	b, err := json.Marshal(protocol.Error(message))
	if err != nil {
		return err
	}
	select {
	case r.clientPriority <- textFrame(b):
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) closeUpstream() {
	r.closeUpstreamOnce.Do(func() {
		_ = r.upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = r.upstream.Close()
	})
}

func (r *Relay) clientPump(ctx context.Context) error {
	for {
		messageType, data, err := r.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				r.logger.Info("client disconnected", "code", closeErr.Code)
				return errClientClosed
			}
			return fmt.Errorf("read client: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if r.observer != nil {
				r.observer.ObserveAudio(DirectionIn, len(data))
			}
			if err := r.sendUpstream(ctx, r.upstreamNormal, upstream.AppendAudio(data)); err != nil {
				return err
			}
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				r.logger.Warn("dropping client frame", "error", err)
				continue
			}
			switch m := msg.(type) {
			case protocol.ClientCommitAudio:
				err = r.sendUpstream(ctx, r.upstreamNormal, upstream.CommitAudio())
			case protocol.ClientTextMessage:
				err = r.sendUpstream(ctx, r.upstreamNormal, upstream.UserText(m.Text), upstream.CreateResponse())
			}
			if err != nil {
				return err
			}
		}
	}
}

func (r *Relay) upstreamPump(ctx context.Context) error {
	// Partial assistant transcript for the response in flight. Owned by this goroutine.
	var transcript strings.Builder

	for {
		messageType, data, err := r.upstream.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if r.observer != nil {
				r.observer.ObserveUpstreamError("transport")
			}
			return fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ev, err := upstream.DecodeEvent(data)
		if err != nil {
			r.logger.Warn("dropping upstream frame", "error", err)
			continue
		}
		if err := r.handleUpstreamEvent(ctx, ev, &transcript); err != nil {
			return err
		}
	}
}

func (r *Relay) handleUpstreamEvent(ctx context.Context, ev upstream.Event, transcript *strings.Builder) error {
	switch ev.Type {
	case upstream.EventAudioDelta:
		audio, err := ev.AudioBytes()
		if err != nil {
			r.logger.Warn("dropping audio delta", "error", err)
			return nil
		}
		if len(audio) == 0 {
			return nil
		}
		if r.observer != nil {
			r.observer.ObserveAudio(DirectionOut, len(audio))
		}
		return r.enqueue(ctx, r.clientNormal, binaryFrame(audio))

	case upstream.EventInputTranscriptCompleted:
		text := ev.Transcript
		if strings.TrimSpace(text) == "" {
			return nil
		}
		r.record(ctx, store.RoleUser, text)
		return r.sendClient(ctx, r.clientNormal, protocol.UserTranscript(text))

	case upstream.EventAudioTranscriptDelta:
		transcript.WriteString(ev.Delta)
		return r.sendClient(ctx, r.clientNormal, protocol.AssistantTranscriptDelta(ev.Delta))

	case upstream.EventAudioTranscriptDone:
		text := ev.Transcript
		if strings.TrimSpace(text) == "" {
			text = transcript.String()
		}
		transcript.Reset()
		if strings.TrimSpace(text) == "" {
			return nil
		}
		r.record(ctx, store.RoleAssistant, text)
		return r.sendClient(ctx, r.clientNormal, protocol.AssistantTranscript(text))

	case upstream.EventFunctionCallArgumentsDone:
		return r.callTool(ctx, ev)

	case upstream.EventError:
		msg := ev.ErrorMessage()
		if strings.Contains(strings.ToLower(msg), "buffer too small") {
			return nil
		}
		if r.observer != nil {
			r.observer.ObserveUpstreamError("event")
		}
		r.logger.Warn("realtime error event", "message", msg)
		return r.sendClient(ctx, r.clientPriority, protocol.Error(msg))
	}
	return nil
}

func (r *Relay) callTool(ctx context.Context, ev upstream.Event) error {
	var (
		args       map[string]any
		clientArgs any
		result     tools.Result
	)
	raw := strings.TrimSpace(ev.Arguments)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		r.logger.Warn("malformed tool arguments", "tool", ev.Name, "call_id", ev.CallID, "error", err)
		clientArgs = ev.Arguments
		result = tools.Result{"error": fmt.Sprintf("%s: invalid arguments: %v", ev.Name, err)}
	} else {
		if args == nil {
			args = map[string]any{}
		}
		clientArgs = args
		result = r.tools.Execute(ctx, r.store, r.userID, ev.Name, args)
	}
	if result == nil {
		result = tools.Result{}
	}

	output, err := json.Marshal(result)
	if err != nil {
		output, _ = json.Marshal(tools.Result{"error": fmt.Sprintf("%s: encode result: %v", ev.Name, err)})
	}

	r.logger.Info("tool call", "tool", ev.Name, "call_id", ev.CallID, "error", result.IsError())
	if err := r.sendUpstream(ctx, r.upstreamPriority, upstream.FunctionOutput(ev.CallID, output), upstream.CreateResponse()); err != nil {
		return err
	}
	return r.sendClient(ctx, r.clientNormal, protocol.FunctionCall(ev.Name, clientArgs, json.RawMessage(output)))
}

// record persists a finalized transcript. Failures are logged; the conversation continues.
func (r *Relay) record(ctx context.Context, role, text string) {
	if _, err := r.store.AppendMessage(ctx, r.conversationID, role, text); err != nil {
		r.logger.Error("persist message failed", "role", role, "error", err)
	}
}

// sendUpstream queues events as a single batch on the upstream socket.
func (r *Relay) sendUpstream(ctx context.Context, lane chan outboundFrame, events ...any) error {
	payloads := make([][]byte, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode upstream event: %w", err)
		}
		payloads = append(payloads, b)
	}
	return r.enqueue(ctx, lane, textBatch(payloads...))
}

func (r *Relay) sendClient(ctx context.Context, lane chan outboundFrame, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode client frame: %w", err)
	}
	return r.enqueue(ctx, lane, textFrame(b))
}

func (r *Relay) enqueue(ctx context.Context, lane chan outboundFrame, frame outboundFrame) error {
	select {
	case lane <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

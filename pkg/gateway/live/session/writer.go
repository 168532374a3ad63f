package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type wsFrame struct {
	messageType int
	data        []byte
}

// outboundFrame is one or more websocket messages written back to back.
// Nothing else reaches the socket between the messages of a single frame.
type outboundFrame struct {
	messages []wsFrame
}

func textFrame(payload []byte) outboundFrame {
	return outboundFrame{messages: []wsFrame{{messageType: websocket.TextMessage, data: payload}}}
}

func binaryFrame(payload []byte) outboundFrame {
	return outboundFrame{messages: []wsFrame{{messageType: websocket.BinaryMessage, data: payload}}}
}

func textBatch(payloads ...[]byte) outboundFrame {
	f := outboundFrame{messages: make([]wsFrame, 0, len(payloads))}
	for _, p := range payloads {
		f.messages = append(f.messages, wsFrame{messageType: websocket.TextMessage, data: p})
	}
	return f
}

// outboundWriter owns every data write to one socket. When ctx is done it
// writes what is still queued, priority first, then returns.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	var pingC <-chan time.Time
	if w.pingInterval > 0 {
		pingTicker := time.NewTicker(w.pingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	var pendingNormal *outboundFrame

	for {
		select {
		case <-done:
			return w.flushOnShutdown(pendingNormal, writeTimeout)
		default:
		}

		// Hard priority: if anything is queued, handle it before writing normal frames.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			return w.flushOnShutdown(pendingNormal, writeTimeout)
		case <-pingC:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

// flushOnShutdown drains both lanes without blocking, bounded by one write
// timeout overall.
func (w *outboundWriter) flushOnShutdown(pending *outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, time.Until(deadline)); err != nil {
				return err
			}
			continue
		default:
		}

		if pending != nil {
			if err := w.writeFrame(*pending, time.Until(deadline)); err != nil {
				return err
			}
			pending = nil
			continue
		}

		select {
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			if err := w.writeFrame(frame, time.Until(deadline)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)
	for _, m := range frame.messages {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(m.messageType, m.data); err != nil {
			return err
		}
	}
	return nil
}

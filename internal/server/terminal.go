package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/terminal"
)

// GetTerminal returns the terminal buffer.
// GET /api/terminal
func (h *Handler) GetTerminal(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{"chunks": h.orch.Terminal().Snapshot()})
}

// ClearTerminal empties the terminal buffer. Connected websocket clients
// receive a "clear" frame.
// DELETE /api/terminal
func (h *Handler) ClearTerminal(w http.ResponseWriter, _ *http.Request) {
	h.orch.ClearTerminal()
	w.WriteHeader(http.StatusNoContent)
}

// CommandRequest is the body of POST /api/terminal/commands.
type CommandRequest struct {
	Command string `json:"command"`
}

// SubmitCommand writes one command line to the shell.
// POST /api/terminal/commands
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.orch.Submit(r.Context(), req.Command); err != nil {
		if errors.Is(err, orchestrator.ErrNotBooted) || errors.Is(err, orchestrator.ErrNoSession) {
			h.Error(w, http.StatusConflict, err.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TerminalMessage is one websocket frame. Data is a JSON string for
// "output" and "input", ResizeData for "resize", and absent for "clear".
// Clients may send "clear" to empty the buffer for every viewer.
type TerminalMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResizeData is the payload of a "resize" frame.
type ResizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Frame types.
const (
	MessageOutput = "output"
	MessageClear  = "clear"
	MessageInput  = "input"
	MessageResize = "resize"
	MessageError  = "error"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsSubscriberBuf = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks are left to the CORS policy of the API.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// TerminalWebSocket streams the terminal buffer and forwards keystrokes.
// GET /api/terminal/ws
func (h *Handler) TerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	handleTerminalSession(r.Context(), h.orch.Terminal(), h.orch, conn, h.log)
}

// terminalInput accepts keystrokes, size changes and clear requests.
type terminalInput interface {
	Input(ctx context.Context, data []byte) error
	Resize(ctx context.Context, rows, cols int) error
	ClearTerminal()
}

// handleTerminalSession replays the buffer, then relays buffer changes to
// conn and frames from conn to input until either side goes away. A client
// that falls too far behind is disconnected.
func handleTerminalSession(ctx context.Context, buf *terminal.Buffer, input terminalInput, conn *websocket.Conn, log *logger.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	snapshot, sub := buf.Subscribe(wsSubscriberBuf)
	defer buf.Unsubscribe(sub)

	for _, chunk := range snapshot {
		if err := send(outputMessage(chunk)); err != nil {
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					if sub.Dropped() {
						log.Warn("terminal client too slow, disconnecting")
						writeMu.Lock()
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
							time.Now().Add(time.Second))
						writeMu.Unlock()
					}
					_ = conn.Close()
					return
				}
				var msg TerminalMessage
				if ev.Type == terminal.EventClear {
					msg = TerminalMessage{Type: MessageClear}
				} else {
					msg = outputMessage(ev.Data)
				}
				if err := send(msg); err != nil {
					return
				}
			}
		}
	}()

	// Unblock ReadJSON when the writer side ends.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		var msg TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if err := handleClientMessage(ctx, input, msg); err != nil {
			log.Debug("terminal input rejected", "type", msg.Type, "error", err)
			data, _ := json.Marshal(err.Error())
			if send(TerminalMessage{Type: MessageError, Data: data}) != nil {
				break
			}
		}
	}

	cancel()
	wg.Wait()
}

func handleClientMessage(ctx context.Context, input terminalInput, msg TerminalMessage) error {
	switch msg.Type {
	case MessageInput:
		var data string
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return errors.New("input data must be a string")
		}
		return input.Input(ctx, []byte(data))
	case MessageResize:
		var size ResizeData
		if err := json.Unmarshal(msg.Data, &size); err != nil {
			return errors.New("invalid resize data")
		}
		return input.Resize(ctx, size.Rows, size.Cols)
	case MessageClear:
		input.ClearTerminal()
		return nil
	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func outputMessage(chunk string) TerminalMessage {
	data, _ := json.Marshal(chunk)
	return TerminalMessage{Type: MessageOutput, Data: data}
}

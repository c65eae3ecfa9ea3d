package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/daraja/internal/sandbox"
)

// readRequestTimeout bounds how long a connected client may take to send
// its execution request before the socket is dropped.
const readRequestTimeout = 10 * time.Second

// StreamEvent is one message on the GET /v1/execute/stream socket.
// "output" events carry a single stdout line as it is produced; the final
// event is either "result" or "error" and closes the stream.
type StreamEvent struct {
	Type          string                   `json:"type"` // "output", "result", "error"
	Line          string                   `json:"line,omitempty"`
	Result        *sandbox.ExecutionResult `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
}

// handleExecuteStream upgrades to WebSocket, reads one execution request,
// and streams script output line by line followed by the final result.
// Authentication accepts the same API keys as the REST endpoints, via the
// Authorization header or a ?token= query parameter.
func (g *Gateway) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	userID := g.resolveUser(token)
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"daraja-execute-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "execution finished")

	ctx := r.Context()

	req, err := g.readStreamRequest(ctx, conn)
	if err != nil {
		g.writeEvent(ctx, conn, StreamEvent{Type: "error", Error: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	correlationID := newCorrelationID()

	g.logger.Info("websocket execute",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.Int("code_bytes", len(req.Code)),
	)

	execReq := req.executionRequest(userID)
	execReq.OutputSink = func(line string) {
		// Called sequentially from the stdout reader while Execute blocks,
		// so writes never race with the final event below.
		g.writeEvent(ctx, conn, StreamEvent{Type: "output", Line: line})
	}

	result, err := g.executor.Execute(ctx, execReq)
	if err != nil {
		g.writeEvent(ctx, conn, StreamEvent{
			Type:          "error",
			Error:         err.Error(),
			CorrelationID: correlationID,
		})
		return
	}

	g.writeEvent(ctx, conn, StreamEvent{
		Type:          "result",
		Result:        result,
		CorrelationID: correlationID,
	})
}

// readStreamRequest waits for the client's single ExecuteRequest message.
func (g *Gateway) readStreamRequest(ctx context.Context, conn *websocket.Conn) (*ExecuteRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, readRequestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}

	var req ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, errCodeRequired
	}
	if int64(len(req.Code)) > g.config.MaxRequestSize {
		return nil, errCodeTooLarge
	}
	return &req, nil
}

func (g *Gateway) writeEvent(ctx context.Context, conn *websocket.Conn, ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		g.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

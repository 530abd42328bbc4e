package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/evermem/evermem/pkg/memory"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
)

// streamRequest is one line of the ingest stream. The optional id is
// echoed back so pipelined clients can correlate replies; group_id
// falls back to the connection's ?group_id query parameter.
type streamRequest struct {
	ID       string            `json:"id,omitempty"`
	GroupID  string            `json:"group_id,omitempty"`
	Message  *memstore.Message `json:"message,omitempty"`
	SyncMode bool              `json:"sync_mode,omitempty"`
}

type streamReply struct {
	ID string `json:"id,omitempty"`
	*memory.IngestResult
}

type streamFailure struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleStream upgrades to a WebSocket and ingests newline-delimited
// JSON messages, answering each with its ingest status. Messages are
// processed in arrival order; a failed message does not close the
// stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	defaultGroup := r.URL.Query().Get("group_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()
	s.log.Info("ingest stream opened", "tenant", t, "remote", r.RemoteAddr, "group", defaultGroup)

	ctx := r.Context()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("ingest stream aborted", "tenant", t, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if err := conn.WriteJSON(s.streamIngest(ctx, t, defaultGroup, line)); err != nil {
				s.log.Warn("ingest stream write failed", "tenant", t, "error", err)
				return
			}
		}
	}
}

func (s *Server) streamIngest(ctx context.Context, t tenant.Tenant, defaultGroup string, line []byte) any {
	var req streamRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return streamFailure{Status: "failed", Code: "bad_request", Message: "decode stream message: " + err.Error()}
	}
	group := req.GroupID
	if group == "" {
		group = defaultGroup
	}
	if group == "" {
		return streamFailure{ID: req.ID, Status: "failed", Code: "bad_request", Message: "group_id is required"}
	}
	if req.Message == nil {
		return streamFailure{ID: req.ID, Status: "failed", Code: "bad_request", Message: "message is required"}
	}
	res, err := s.svc.Ingest(ctx, t, &memory.IngestRequest{
		GroupID:  group,
		Message:  *req.Message,
		SyncMode: req.SyncMode,
	})
	if err != nil {
		_, code := classify(err)
		return streamFailure{ID: req.ID, Status: "failed", Code: code, Message: err.Error()}
	}
	s.logBoundary(t, group, res)
	return streamReply{ID: req.ID, IngestResult: res}
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/lkarlslund/zimageproxy/pkg/poll"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
)

const (
	watchPingInterval = 25 * time.Second
	watchWriteTimeout = 5 * time.Second
	watchReadTimeout  = 60 * time.Second
)

type statusQuery struct {
	TaskID      string `json:"task_id"`
	AuthContext string `json:"auth_context"`
}

func (q statusQuery) parse() (string, identity.Identity, error) {
	taskID := strings.TrimSpace(q.TaskID)
	authContext := strings.TrimSpace(q.AuthContext)
	if taskID == "" || authContext == "" {
		return "", identity.Identity{}, fmt.Errorf("%w: task_id and auth_context are required", errInvalidRequest)
	}
	id, err := identity.Decode(authContext)
	if err != nil {
		return "", identity.Identity{}, err
	}
	return taskID, id, nil
}

// handleQueryStatus performs a single upstream query for a task submitted in
// client_poll mode. The answer is the raw outcome; the caller decides when to
// ask again.
func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	var q statusQuery
	if err := decodeJSON(w, r, &q); err != nil {
		writeErr(w, err)
		return
	}
	taskID, id, err := q.parse()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.upstream.QueryTask(r.Context(), taskID, id))
}

type watchFrame struct {
	Status    upstream.State `json:"status"`
	Progress  int            `json:"progress,omitempty"`
	Iteration int            `json:"iteration"`
	URL       string         `json:"url,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

var watchUpgrader = websocket.Upgrader{
	// auth_context is the credential here, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleQueryWatch polls on behalf of the client and pushes every
// observation over a websocket until the task is terminal.
func (s *Server) handleQueryWatch(w http.ResponseWriter, r *http.Request) {
	taskID, id, err := statusQuery{
		TaskID:      r.URL.Query().Get("task_id"),
		AuthContext: r.URL.Query().Get("auth_context"),
	}.parse()
	if err != nil {
		writeErr(w, err)
		return
	}
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := make(chan watchFrame, 4)
	go func() {
		defer close(frames)
		finish := s.metrics.track(modeWatch)
		polled := 0
		url, err := s.poller.Wait(ctx, taskID, id, poll.Options{
			Timeout:  s.cfg.PollTimeout(),
			Interval: s.cfg.StreamPollInterval(),
			OnProgress: func(iteration int, out upstream.Outcome) {
				polled = iteration + 1
				select {
				case frames <- watchFrame{Status: upstream.StatePending, Progress: out.Progress, Iteration: iteration}:
				case <-ctx.Done():
				}
			},
		})
		finish(err)
		if errors.Is(err, context.Canceled) {
			return
		}
		frame := watchFrame{Status: upstream.StateSuccess, Progress: 100, Iteration: polled, URL: url}
		if err != nil {
			frame = watchFrame{Status: upstream.StateFailed, Iteration: polled, Error: err.Error(), Code: errorCode(err)}
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
		}
	}()

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(watchWriteTimeout)); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			if frame.Status.Terminal() {
				slog.Debug("watch finished", "task_id", taskID, "status", frame.Status.String())
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, frame.Status.String()),
					time.Now().Add(watchWriteTimeout))
				return
			}
		}
	}
}

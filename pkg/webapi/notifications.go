package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
)

const (
	pingInterval = 15 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// views connect from the extension origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one relay message written to an attached view.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// set on task responses, echoing the request id
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type viewTask struct {
	payroll.TaskRequest
	ID string `json:"id"`
}

// notifications attaches a UI view: while connected, lifecycle side
// effects are shown live instead of being kept for a returning user.
// The view receives notification and event frames and may send task
// requests over the same socket.
func (t WebAPI) notifications(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("failed to upgrade HTTP connection to websocket protocol", zap.Error(err))
		return
	}
	defer conn.Close()

	detach := t.api.Views.Attach()
	defer detach()

	var sub *payroll.Subscription
	if hash := r.URL.Query().Get("hash"); hash != "" {
		sub = t.api.Session.WatchPayout(hash)
	} else {
		sub = t.api.Bus.Subscribe(nil, payroll.EVENT_PAY("PAY"), payroll.EVENT_WAL("WAL"), payroll.EVENT_EVT("EVT"))
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan Frame, 64)
	go t.readTasks(ctx, cancel, conn, out)

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			err = t.write(conn, Frame{Type: payroll.MessageKind(msg.EventType), Event: msg.Event, Payload: msg.Message})
		case f := <-out:
			err = t.write(conn, f)
		case <-time.After(pingInterval):
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = conn.WriteMessage(websocket.PingMessage, []byte{})
		}
		if err != nil {
			t.log.Debug("view detached", zap.Error(err))
			return
		}
	}
}

func (t WebAPI) write(conn *websocket.Conn, f Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (t WebAPI) readTasks(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- Frame) {
	defer cancel()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req viewTask
		if err := json.Unmarshal(msg, &req); err != nil {
			t.log.Debug("bad view message", zap.Error(err))
			continue
		}
		go func(req viewTask) {
			res := t.api.Dispatch(ctx, req.TaskRequest)
			select {
			case out <- Frame{Type: payroll.MESSAGE_TASK, ID: req.ID, Data: res.Data, Error: res.Error}:
			case <-ctx.Done():
			}
		}(req)
	}
}

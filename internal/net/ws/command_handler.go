package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"simulacrum/internal/net/proto"
	"simulacrum/internal/router"
)

// CommandHandler serves the command submission endpoint. Each inbound
// command is forwarded to the router and its acknowledgment written back on
// the same connection once the batch it joined resolves.
type CommandHandler struct {
	router   *router.Router
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewCommandHandler(rt *router.Router, log *logrus.Entry) *CommandHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CommandHandler{
		router:   rt,
		log:      log,
		upgrader: newUpgrader(),
	}
}

// Handle upgrades one command session and processes commands until the
// connection drops. Acknowledgments for in-flight commands are written from
// per-command goroutines; the connection-level write lock keeps frames
// intact.
func (h *CommandHandler) Handle(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade failed: %v", err)
		return
	}
	conn := NewConn(raw)

	var pending sync.WaitGroup
	for {
		payload, err := conn.ReadRaw()
		if err != nil {
			break
		}
		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.log.Warnf("discarding malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case proto.TypeCommand:
			if msg.Command == nil {
				h.log.Warn("command message without payload")
				continue
			}
			cmd := *msg.Command
			if cmd.IssuedAt.IsZero() {
				cmd.IssuedAt = time.Now()
			}
			ackCh := h.router.Submit(cmd)
			pending.Add(1)
			go func(token string) {
				defer pending.Done()
				ack := <-ackCh
				if err := conn.Write(proto.NewCommandAckMessage(ack)); err != nil {
					h.log.WithField("token", token).Warnf("ack delivery failed: %v", err)
				}
			}(cmd.Token)
		case proto.TypeCancel:
			h.router.Cancel(msg.Token)
		default:
			h.log.Warnf("unknown message type %q", msg.Type)
		}
	}

	// Outstanding acks resolve through the router's timeout at the latest,
	// so this wait is bounded.
	pending.Wait()
	conn.Close()
}

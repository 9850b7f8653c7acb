package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamProgress upgrades to a websocket and pushes a Progress snapshot
// whenever its batch uid or step changes (and one idle message when no
// batch runs), polling the lock-free snapshot pointer rather than
// subscribing to the processor loop directly (spec §4.4: progress is
// read-only and joined in at read time, never pushed by the processor
// itself).
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("progress websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastBatch uint32
	var lastStep string
	sentIdle := false

	for {
		select {
		case <-ticker.C:
			if h.Processor == nil {
				return
			}
			p := h.Processor.Progress()
			if p == nil {
				if sentIdle {
					continue
				}
				sentIdle = true
				if err := conn.WriteJSON(map[string]any{"idle": true}); err != nil {
					return
				}
				continue
			}
			sentIdle = false
			if p.BatchUID == lastBatch && p.Step == lastStep {
				continue
			}
			lastBatch, lastStep = p.BatchUID, p.Step
			if err := writeProgress(conn, p); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeProgress(conn *websocket.Conn, p any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

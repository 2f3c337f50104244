package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/opsdeck/opsdeck/internal/batch"
	"github.com/opsdeck/opsdeck/internal/logutil"
	"github.com/opsdeck/opsdeck/internal/middleware"
)

// RunScriptWS runs a batch script like RunScript, but over a WebSocket that
// streams a progress event as each host finishes and a final event carrying
// the aggregated result. The run request is the first (and only) message the
// client sends.
func RunScriptWS(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[batch] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var body runScriptRequest
	if err := json.Unmarshal(data, &body); err != nil {
		conn.Close(4400, "Invalid run request")
		return
	}
	if _, detail := body.validate(r); detail != "" {
		conn.Close(4403, detail)
		return
	}

	send := func(ev batch.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			log.Printf("[batch] progress write failed: %v", err)
		}
	}

	if _, err := BatchExec.Run(ctx, user.ID, body.ScriptName, body.Command, body.ServerIDs, body.Confirmed, send); err != nil {
		conn.Close(4500, logutil.Truncate(err.Error(), 120))
		return
	}

	conn.Close(websocket.StatusNormalClosure, "done")
}

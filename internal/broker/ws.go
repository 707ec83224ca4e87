package broker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/aimaestro/aimaestrod/internal/core"
)

// controlFrame is the JSON shape of every non-PTY-output message
// exchanged over the attach websocket (spec.md §6 wire protocol):
// resize from the client, ping/pong keepalive either direction, and a
// server-sent history-complete marker once replay has finished.
type controlFrame struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

const (
	controlResize          = "resize"
	controlPing            = "ping"
	controlPong            = "pong"
	controlHistoryComplete = "history-complete"
)

// HandleAttach upgrades an HTTP request to a websocket and attaches it
// to session as a terminal client: it replays recent history, then
// relays live PTY output to the client and client keystrokes/control
// frames to the PTY, until the connection closes. This implements the
// local-host half of spec.md §4.C6's attach protocol only; attaching to
// a session hosted on a different peer is not implemented (see
// DESIGN.md's Open Questions).
func HandleAttach(w http.ResponseWriter, r *http.Request, session *PTYSession, clientID string) error {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return core.Wrap(core.KindTransient, "upgrade terminal websocket", err)
	}
	defer conn.Close()

	sub, history := session.Subscribe(clientID)
	defer session.Unsubscribe(clientID)

	if len(history) > 0 {
		if err := wsutil.WriteServerBinary(conn, history); err != nil {
			return core.Wrap(core.KindTransient, "replay terminal history", err)
		}
	}
	if err := writeControl(conn, controlFrame{Type: controlHistoryComplete}); err != nil {
		return err
	}

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- readLoop(conn, session)
	}()

	for {
		select {
		case chunk, ok := <-sub.Send:
			if !ok {
				return nil
			}
			if err := wsutil.WriteServerBinary(conn, chunk); err != nil {
				return core.Wrap(core.KindTransient, "write terminal output", err)
			}
		case err := <-readErrCh:
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Warn("broker: terminal read loop ended", "session", session.ID, "client", clientID, "err", err)
			}
			return nil
		}
	}
}

// readLoop consumes client frames: binary frames are keystrokes written
// straight to the PTY, text frames are parsed as control frames.
func readLoop(conn io.ReadWriter, session *PTYSession) error {
	for {
		data, opCode, err := wsutil.ReadClientData(conn)
		if err != nil {
			return err
		}
		switch opCode {
		case ws.OpBinary:
			if _, err := session.Write(data); err != nil {
				return err
			}
		case ws.OpText:
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case controlResize:
				if err := session.Resize(frame.Rows, frame.Cols); err != nil {
					slog.Warn("broker: resize failed", "session", session.ID, "err", err)
				}
			case controlPing:
				if err := writeControl(conn, controlFrame{Type: controlPong}); err != nil {
					return err
				}
			}
		case ws.OpClose:
			return io.EOF
		}
	}
}

func writeControl(w io.Writer, frame controlFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return core.Wrap(core.KindValidation, "marshal control frame", err)
	}
	if err := wsutil.WriteServerText(w, body); err != nil {
		return core.Wrap(core.KindTransient, "write control frame", err)
	}
	return nil
}

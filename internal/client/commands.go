package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomcast/internal/chat"
)

type (
	connectedMsg     struct{}
	incomingMsg      chat.Event
	closedMsg        struct{ err error }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	sendFailedMsg    struct{ err error }
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		target, err := buildWSURL(model.cfg.ServerURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		if model.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+model.cfg.Token)
		}
		conn, _, err := websocket.DefaultDialer.Dial(target, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return closedMsg{err: errors.New("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return closedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var ev chat.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			return incomingMsg(ev)
		}
	}
}

func (model *TUIModel) sendCmd(action string, payload any) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{err: errors.New("websocket not connected")}
		}
		encoded, err := json.Marshal(chat.NewEvent(action, "", payload))
		if err != nil {
			return sendFailedMsg{err: err}
		}
		model.writeMutex.Lock()
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

// buildWSURL checks the scheme and defaults the path to /ws.
func buildWSURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}
	return parsed.String(), nil
}

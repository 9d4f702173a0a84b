package client

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"roomcast/internal/chat"
)

const historyPage = 30

func (model *TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		switch typed.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			model.closeConn("bye")
			return model, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(model.textInput.Value())
			model.textInput.SetValue("")
			if text == "" {
				return model, nil
			}
			return model, model.submit(text)
		}

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, model.readOnceCmd()

	case connectFailedMsg:
		model.isConnected = false
		model.connectionError = typed.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.terminal != "" {
			return model, nil
		}
		return model, model.connectCmd()

	case closedMsg:
		model.isConnected = false
		model.websocketConn = nil
		if model.terminal != "" {
			return model, nil
		}
		model.connectionError = typed.err
		return model, model.scheduleReconnect()

	case sendFailedMsg:
		model.failure(typed.err.Error())
		return model, nil

	case incomingMsg:
		cmd := model.apply(chat.Event(typed))
		if model.terminal != "" {
			return model, cmd
		}
		return model, tea.Batch(cmd, model.readOnceCmd())
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(msg)
	return model, cmd
}

// apply folds one server event into the model and returns any follow-up request.
func (model *TUIModel) apply(ev chat.Event) tea.Cmd {
	switch ev.Name {
	case chat.EventConnected:
		var payload chat.ConnectedPayload
		_ = ev.Decode(&payload)
		model.userID, model.name = payload.UserID, payload.Name
		model.system(fmt.Sprintf("connected as %s", payload.Name))
		room := model.roomID
		if room == "" {
			room = model.cfg.RoomID
		}
		if room != "" {
			return model.sendCmd(chat.ActionJoinRoom, chat.JoinRequest{RoomID: room, Password: model.cfg.Password})
		}

	case chat.EventJoined:
		var payload chat.JoinedPayload
		_ = ev.Decode(&payload)
		rejoin := model.roomID == payload.Room.ID
		model.roomID, model.roomName = payload.Room.ID, payload.Room.Name
		model.participants = names(payload.Participants)
		model.enterChat()
		if rejoin {
			return nil
		}
		model.lines = model.lines[:0]
		model.streams = make(map[string]int)
		model.oldest = nil
		return model.sendCmd(chat.ActionFetchPrevious, chat.FetchRequest{RoomID: payload.Room.ID, Limit: historyPage})

	case chat.EventLeft:
		var payload chat.PresencePayload
		_ = ev.Decode(&payload)
		if payload.UserID == model.userID && payload.RoomID == model.roomID {
			model.enterRoomPrompt()
			model.system("left the room")
		}

	case chat.EventParticipantsUpdated:
		var payload chat.ParticipantsPayload
		_ = ev.Decode(&payload)
		if payload.RoomID == model.roomID {
			model.participants = names(payload.Participants)
		}

	case chat.EventRoomUpdated:
		var payload chat.RoomUpdatedPayload
		_ = ev.Decode(&payload)
		if model.mode == modeRoomPrompt && payload.Room.CreatorID == model.userID {
			model.system(fmt.Sprintf("room %q is %s", payload.Room.Name, payload.Room.ID))
		}

	case chat.EventMessage:
		var msg chat.Message
		if err := ev.Decode(&msg); err != nil || msg.RoomID != model.roomID {
			return nil
		}
		model.upsertMessage(msg)

	case chat.EventMessageSentAck:
		var ack chat.AckPayload
		_ = ev.Decode(&ack)
		for i := range model.lines {
			if model.lines[i].tempID != "" && model.lines[i].tempID == ack.TempID {
				model.lines[i].id = ack.ID
				model.lines[i].ts = ack.Timestamp
			}
		}

	case chat.EventPreviousMessages:
		var payload chat.HistoryPayload
		_ = ev.Decode(&payload)
		if payload.RoomID != model.roomID {
			return nil
		}
		older := make([]line, 0, len(payload.Messages)+len(model.lines))
		for _, msg := range payload.Messages {
			if msg.Deleted || model.hasLine(msg.ID) {
				continue
			}
			older = append(older, lineFor(msg))
		}
		model.lines = append(older, model.lines...)
		model.reindexStreams()
		model.hasMore = payload.HasMore
		if payload.OldestTimestamp != nil {
			model.oldest = payload.OldestTimestamp
		}

	case chat.EventMessageDeleted:
		var payload chat.DeletedPayload
		_ = ev.Decode(&payload)
		for i := range model.lines {
			if model.lines[i].id == payload.MessageID {
				model.lines = append(model.lines[:i], model.lines[i+1:]...)
				model.reindexStreams()
				break
			}
		}

	case chat.EventAIStart:
		var payload chat.AIStartPayload
		_ = ev.Decode(&payload)
		model.lines = append(model.lines, line{id: payload.ID, ts: payload.Timestamp, user: payload.Kind, kind: lineAI})
		model.streams[payload.ID] = len(model.lines) - 1

	case chat.EventAIChunk:
		var payload chat.AIChunkPayload
		_ = ev.Decode(&payload)
		if idx, ok := model.streams[payload.ID]; ok {
			model.lines[idx].body = payload.Content
		}

	case chat.EventAIComplete:
		var payload chat.AICompletePayload
		_ = ev.Decode(&payload)
		if idx, ok := model.streams[payload.ID]; ok {
			model.lines[idx].body = payload.Content
			delete(model.streams, payload.ID)
		}

	case chat.EventAIError:
		var payload chat.AIErrorPayload
		_ = ev.Decode(&payload)
		if idx, ok := model.streams[payload.ID]; ok {
			model.lines = append(model.lines[:idx], model.lines[idx+1:]...)
			delete(model.streams, payload.ID)
			model.reindexStreams()
		}
		model.failure("assistant failed: " + payload.Error)

	case chat.EventDuplicateLoginWarning:
		var payload chat.DuplicateLoginPayload
		_ = ev.Decode(&payload)
		model.failure(payload.Message)

	case chat.EventSessionEnded:
		var payload chat.SessionEndedPayload
		_ = ev.Decode(&payload)
		model.isConnected = false
		if payload.Reason == chat.ReasonServerShutdown {
			model.system("server restarting, reconnecting…")
			return nil
		}
		model.terminal = payload.Reason
		model.failure(fmt.Sprintf("session ended (%s)", payload.Reason))

	case chat.EventError:
		var payload chat.ErrorPayload
		_ = ev.Decode(&payload)
		model.failure(fmt.Sprintf("%s: %s", payload.Code, payload.Message))
	}
	return nil
}

// submit handles a line typed by the user.
func (model *TUIModel) submit(text string) tea.Cmd {
	if model.mode == modeRoomPrompt && !strings.HasPrefix(text, "/") {
		model.cfg.RoomID = text
		return model.sendCmd(chat.ActionJoinRoom, chat.JoinRequest{RoomID: text})
	}
	if !strings.HasPrefix(text, "/") {
		model.tempSeq++
		tempID := fmt.Sprintf("tmp-%d", model.tempSeq)
		model.lines = append(model.lines, line{ts: time.Now(), user: model.name, body: text, kind: lineChat, tempID: tempID})
		return model.sendCmd(chat.ActionMessage, chat.SendRequest{RoomID: model.roomID, TempID: tempID, Type: chat.TypeText, Content: text})
	}

	fields := strings.Fields(text)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/join":
		model.cfg.RoomID, model.cfg.Password = arg(1), arg(2)
		return model.sendCmd(chat.ActionJoinRoom, chat.JoinRequest{RoomID: arg(1), Password: arg(2)})
	case "/create":
		return model.sendCmd(chat.ActionCreateRoom, chat.CreateRoomRequest{Name: arg(1), Password: arg(2)})
	case "/leave":
		return model.sendCmd(chat.ActionLeaveRoom, chat.LeaveRequest{RoomID: model.roomID})
	case "/more":
		if !model.hasMore || model.oldest == nil {
			model.system("no older messages")
			return nil
		}
		return model.sendCmd(chat.ActionFetchPrevious, chat.FetchRequest{RoomID: model.roomID, Before: *model.oldest, Limit: historyPage})
	case "/react":
		return model.sendCmd(chat.ActionAddReaction, chat.ReactionRequest{MessageID: arg(1), Emoji: arg(2)})
	case "/delete":
		return model.sendCmd(chat.ActionDeleteMessage, chat.DeleteRequest{MessageID: arg(1)})
	case "/quit":
		model.closeConn("bye")
		return tea.Quit
	default:
		model.system("commands: /join <id> [password], /create <name> [password], /leave, /more, /react <id> <emoji>, /delete <id>, /quit")
		return nil
	}
}

func (model *TUIModel) upsertMessage(msg chat.Message) {
	for i := range model.lines {
		if model.lines[i].id == msg.ID || (msg.TempID != "" && model.lines[i].tempID == msg.TempID && msg.SenderID == model.userID) {
			model.lines[i] = lineFor(msg)
			return
		}
	}
	model.lines = append(model.lines, lineFor(msg))
}

func (model *TUIModel) hasLine(id string) bool {
	for _, l := range model.lines {
		if l.id == id {
			return true
		}
	}
	return false
}

// reindexStreams recomputes line offsets of open streams after the log shifts.
func (model *TUIModel) reindexStreams() {
	open := make(map[string]bool, len(model.streams))
	for id := range model.streams {
		open[id] = true
	}
	clear(model.streams)
	for i, l := range model.lines {
		if l.kind == lineAI && open[l.id] {
			model.streams[l.id] = i
		}
	}
}

func lineFor(msg chat.Message) line {
	l := line{id: msg.ID, ts: msg.Timestamp, body: msg.Content, tempID: msg.TempID}
	switch msg.Type {
	case chat.TypeSystem:
		l.user, l.kind = "system", lineSystem
	case chat.TypeAI:
		l.user, l.kind = msg.AIKind, lineAI
	case chat.TypeFile:
		l.user = senderName(msg)
		if msg.File != nil {
			l.body = fmt.Sprintf("[file] %s (%d bytes)", msg.File.Filename, msg.File.Size)
		} else {
			l.body = "[file] " + msg.FileID
		}
	default:
		l.user = senderName(msg)
	}
	return l
}

func senderName(msg chat.Message) string {
	if msg.Sender != nil && msg.Sender.Name != "" {
		return msg.Sender.Name
	}
	return msg.SenderID
}

func names(users []chat.UserSummary) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

package internal

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"roomcast/internal/bus"
	"roomcast/internal/chat"
	"roomcast/internal/history"
	"roomcast/internal/storage"
	"roomcast/internal/stream"
)

type leaveKind int

const (
	leaveIntentional leaveKind = iota
	leaveDisconnect
	leaveSilent
)

const actionTimeout = 10 * time.Second

// dispatch handles one inbound action. A panic is contained to the
// connection that caused it.
func (s *Server) dispatch(client *Client, ev chat.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action panicked",
				zap.String("action", ev.Name), zap.String("conn", client.id),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			client.sendError(ev.Name, fmt.Errorf("internal error"))
			s.metrics.Action(ev.Name, "internal")
		}
	}()

	if ev.Name != chat.ActionPing && !client.limiter.Allow() {
		err := fmt.Errorf("%w: sending too fast", chat.ErrOverloaded)
		client.sendError(ev.Name, err)
		s.metrics.Action(ev.Name, chat.Code(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, actionTimeout)
	defer cancel()
	if !s.refreshSession(ctx, client) {
		return
	}

	var err error
	switch ev.Name {
	case chat.ActionPing:
		client.sendEvent(chat.NewEvent(chat.EventPong, "", nil))
	case chat.ActionJoinRoom:
		var req chat.JoinRequest
		if err = decode(ev, &req); err == nil {
			err = s.joinRoom(ctx, client, req)
		}
	case chat.ActionLeaveRoom:
		var req chat.LeaveRequest
		if err = decode(ev, &req); err == nil {
			if req.RoomID != "" && req.RoomID != client.currentRoom() {
				err = fmt.Errorf("%w: not in room %s", chat.ErrNotFound, req.RoomID)
			} else {
				s.leaveRoom(ctx, client, leaveIntentional)
			}
		}
	case chat.ActionMessage:
		var req chat.SendRequest
		if err = decode(ev, &req); err == nil {
			err = s.sendMessage(client, req)
		}
	case chat.ActionFetchPrevious:
		var req chat.FetchRequest
		if err = decode(ev, &req); err == nil {
			err = s.fetchPrevious(ctx, client, req)
		}
	case chat.ActionMarkRead:
		var req chat.MarkReadRequest
		if err = decode(ev, &req); err == nil {
			err = s.markRead(ctx, client, req)
		}
	case chat.ActionAddReaction, chat.ActionRemoveReaction:
		var req chat.ReactionRequest
		if err = decode(ev, &req); err == nil {
			err = s.react(ctx, client, req, ev.Name == chat.ActionAddReaction)
		}
	case chat.ActionDeleteMessage:
		var req chat.DeleteRequest
		if err = decode(ev, &req); err == nil {
			err = s.deleteMessage(ctx, client, req)
		}
	case chat.ActionCreateRoom:
		var req chat.CreateRoomRequest
		if err = decode(ev, &req); err == nil {
			err = s.createRoom(ctx, client, req)
		}
	case chat.ActionAuth:
		err = fmt.Errorf("%w: already authenticated", chat.ErrValidation)
	default:
		err = fmt.Errorf("%w: unknown action %q", chat.ErrValidation, ev.Name)
	}
	if err != nil {
		client.sendError(ev.Name, err)
		s.metrics.Action(ev.Name, chat.Code(err))
		return
	}
	s.metrics.Action(ev.Name, "ok")
}

func decode(ev chat.Event, dst any) error {
	if err := ev.Decode(dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", chat.ErrValidation, ev.Name, err)
	}
	return nil
}

// refreshSession revalidates the session at most once per refresh interval.
// It reports false when the connection was ended because the session is
// gone.
func (s *Server) refreshSession(ctx context.Context, client *Client) bool {
	client.mu.Lock()
	due := time.Since(client.lastRefresh) >= s.cfg.SessionRefresh
	if due {
		client.lastRefresh = time.Now()
	}
	client.mu.Unlock()
	if !due {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	v, err := s.sessions.Validate(ctx, client.userID(), client.identity.SessionID)
	if err != nil {
		s.logger.Warn("session refresh failed", zap.String("user", client.userID()), zap.Error(err))
		return true
	}
	if v.Valid {
		if err := s.sessions.RefreshActivity(ctx, client.userID()); err != nil {
			s.logger.Warn("session activity refresh failed", zap.String("user", client.userID()), zap.Error(err))
		}
		return true
	}
	ended := chat.NewEvent(chat.EventSessionEnded, "", chat.SessionEndedPayload{
		Reason:  chat.ReasonSessionInvalid,
		Message: v.Reason,
	})
	client.terminate(causeSession, CloseUnauthorized, chat.ReasonSessionInvalid, &ended)
	return false
}

func (s *Server) joinRoom(ctx context.Context, client *Client, req chat.JoinRequest) error {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	rejoin := room.HasParticipant(client.userID())
	if !rejoin {
		if err := storage.CheckRoomPassword(room, req.Password); err != nil {
			return err
		}
	}
	if client.currentRoom() == roomID {
		client.sendEvent(chat.NewEvent(chat.EventJoined, roomID, chat.JoinedPayload{
			Room:         room,
			Participants: s.summaries(ctx, room.Participants),
		}))
		return nil
	}

	// the subscription is taken before the old room is left so a rejected
	// join leaves the client where it was
	subErr := s.bus.SubscribeRoom(ctx, roomID)
	if errors.Is(subErr, chat.ErrOverloaded) {
		s.logger.Warn("room subscribe rejected", zap.String("room", roomID), zap.Error(subErr))
		return subErr
	}
	held := bus.Held(subErr)
	if subErr != nil {
		s.logger.Warn("room subscribe failed, continuing", zap.String("room", roomID), zap.Bool("held", held), zap.Error(subErr))
	}

	s.leaveRoom(ctx, client, leaveIntentional)

	room, err = s.store.UpdateParticipants(ctx, roomID, chat.ParticipantAdd, client.userID())
	if err != nil {
		if held {
			s.releaseRoomTopic(ctx, roomID)
		}
		return err
	}

	local := s.hub.acquire(roomID)
	local.add(client)
	client.mu.Lock()
	client.room = local
	client.roomID = roomID
	client.busRef = held
	client.mu.Unlock()

	participants := s.summaries(ctx, room.Participants)
	client.sendEvent(chat.NewEvent(chat.EventJoined, roomID, chat.JoinedPayload{
		Room:         room,
		Participants: participants,
	}))
	s.publishRoom(ctx, roomID, chat.NewEvent(chat.EventParticipantsUpdated, roomID, chat.ParticipantsPayload{
		RoomID:       roomID,
		Participants: participants,
	}))
	if !rejoin {
		s.systemMessage(roomID, client.identity.Summary().Name+" joined")
	}
	s.publishRooms(ctx, room)
	return nil
}

// leaveRoom takes client out of its current room. Intentional leaves and
// network disconnects remove the user from the participant set and are
// announced; silent leaves only drop the local fan-out.
func (s *Server) leaveRoom(ctx context.Context, client *Client, kind leaveKind) {
	client.mu.Lock()
	local, roomID, held := client.room, client.roomID, client.busRef
	client.room, client.roomID, client.busRef = nil, "", false
	client.mu.Unlock()
	if local == nil {
		return
	}
	local.remove(client)
	s.hub.release(roomID)

	if held {
		s.releaseRoomTopic(ctx, roomID)
	}

	if kind == leaveSilent {
		return
	}
	room, err := s.store.UpdateParticipants(ctx, roomID, chat.ParticipantRemove, client.userID())
	if err != nil {
		s.logger.Warn("remove participant", zap.String("room", roomID), zap.String("user", client.userID()), zap.Error(err))
		return
	}
	presence := chat.PresencePayload{RoomID: roomID, UserID: client.userID(), Name: client.identity.Summary().Name}
	event, verb := chat.EventLeft, "left"
	if kind == leaveDisconnect {
		event, verb = chat.EventDisconnected, "disconnected"
	} else {
		client.sendEvent(chat.NewEvent(chat.EventLeft, roomID, presence))
	}
	s.publishRoom(ctx, roomID, chat.NewEvent(event, roomID, presence))
	s.publishRoom(ctx, roomID, chat.NewEvent(chat.EventParticipantsUpdated, roomID, chat.ParticipantsPayload{
		RoomID:       roomID,
		Participants: s.summaries(ctx, room.Participants),
	}))
	s.systemMessage(roomID, presence.Name+" "+verb)
	s.publishRooms(ctx, room)
}

func (s *Server) releaseRoomTopic(ctx context.Context, roomID string) {
	if err := s.bus.UnsubscribeRoom(ctx, roomID); err != nil {
		s.logger.Warn("room unsubscribe failed", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *Server) sendMessage(client *Client, req chat.SendRequest) error {
	roomID := client.currentRoom()
	if roomID == "" {
		return fmt.Errorf("%w: join a room first", chat.ErrValidation)
	}
	if req.RoomID != "" && req.RoomID != roomID {
		return fmt.Errorf("%w: not a member of room %s", chat.ErrForbidden, req.RoomID)
	}
	if req.Type == "" {
		req.Type = chat.TypeText
	}
	if req.Type != chat.TypeText && req.Type != chat.TypeFile {
		return fmt.Errorf("%w: clients may only send text or file messages", chat.ErrValidation)
	}
	mentions := req.Mentions
	if len(mentions) == 0 {
		mentions = stream.Mentions(req.Content)
	}
	sender := client.identity.Summary()
	msg := chat.Message{
		RoomID:   roomID,
		SenderID: sender.ID,
		Sender:   &sender,
		Type:     req.Type,
		Content:  req.Content,
		FileID:   req.FileID,
		Mentions: mentions,
		TempID:   req.TempID,
	}
	if msg.Type == chat.TypeFile && msg.FileID != "" {
		v, err := s.resolver.Resolve(s.ctx, history.KindFile, msg.FileID)
		if err != nil {
			return err
		}
		if file, ok := v.(chat.FileSummary); ok {
			msg.File = &file
		}
	}
	ack, err := s.writer.Submit(msg)
	if err != nil {
		return err
	}
	client.sendEvent(chat.NewEvent(chat.EventMessageSentAck, roomID, chat.AckPayload{
		TempID:    ack.TempID,
		ID:        ack.ID,
		Timestamp: ack.Timestamp,
	}))
	if kind, ok := stream.Trigger(mentions, s.cfg.AIKinds); ok && s.generator != nil && msg.Type == chat.TypeText {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if _, err := s.streams.Generate(s.ctx, s.generator, roomID, kind, client.id, req.Content); err != nil {
				s.logger.Warn("ai stream", zap.String("room", roomID), zap.String("kind", kind), zap.Error(err))
			}
		}()
	}
	return nil
}

// fetchPrevious loads history in the background; one load per connection
// may be in flight.
func (s *Server) fetchPrevious(ctx context.Context, client *Client, req chat.FetchRequest) error {
	roomID := req.RoomID
	if roomID == "" {
		roomID = client.currentRoom()
	}
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}
	if roomID != client.currentRoom() {
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.HasParticipant(client.userID()) {
			return fmt.Errorf("%w: not a member of room %s", chat.ErrForbidden, roomID)
		}
	}
	if !client.loading.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: history load already in progress", chat.ErrOverloaded)
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		loadCtx, cancel := context.WithTimeout(s.ctx, actionTimeout)
		defer cancel()
		page, err := s.loader.LoadMessages(loadCtx, roomID, req.Before, req.Limit)
		client.loading.Store(false)
		if err != nil {
			s.logger.Warn("history load failed", zap.String("room", roomID), zap.Error(err))
			client.sendError(chat.ActionFetchPrevious, err)
			return
		}
		if page.Messages == nil {
			page.Messages = []chat.Message{}
		}
		client.sendEvent(chat.NewEvent(chat.EventPreviousMessages, roomID, chat.HistoryPayload{
			RoomID:          roomID,
			Messages:        page.Messages,
			HasMore:         page.HasMore,
			OldestTimestamp: page.OldestTimestamp,
		}))
	}()
	return nil
}

func (s *Server) markRead(ctx context.Context, client *Client, req chat.MarkReadRequest) error {
	roomID := client.currentRoom()
	if roomID == "" {
		return fmt.Errorf("%w: join a room first", chat.ErrValidation)
	}
	if len(req.MessageIDs) == 0 {
		return nil
	}
	readAt := chat.Now()
	n, err := s.store.MarkRead(ctx, req.MessageIDs, client.userID(), readAt)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := s.cache.Invalidate(ctx, req.MessageIDs...); err != nil {
		s.logger.Warn("invalidate cached messages", zap.Error(err))
	}
	s.publishRoom(ctx, roomID, chat.NewEvent(chat.EventReadUpdated, roomID, chat.ReadPayload{
		MessageIDs: req.MessageIDs,
		UserID:     client.userID(),
		ReadAt:     readAt,
	}))
	return nil
}

func (s *Server) react(ctx context.Context, client *Client, req chat.ReactionRequest, add bool) error {
	if req.MessageID == "" || strings.TrimSpace(req.Emoji) == "" {
		return fmt.Errorf("%w: messageId and emoji are required", chat.ErrValidation)
	}
	msg, err := s.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if msg.RoomID != client.currentRoom() {
		return fmt.Errorf("%w: message is not in your room", chat.ErrForbidden)
	}
	var reactions map[string][]string
	if add {
		reactions, err = s.store.AddReaction(ctx, req.MessageID, req.Emoji, client.userID())
	} else {
		reactions, err = s.store.RemoveReaction(ctx, req.MessageID, req.Emoji, client.userID())
	}
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, req.MessageID); err != nil {
		s.logger.Warn("invalidate cached message", zap.String("message", req.MessageID), zap.Error(err))
	}
	s.publishRoom(ctx, msg.RoomID, chat.NewEvent(chat.EventReactionUpdated, msg.RoomID, chat.ReactionPayload{
		MessageID: req.MessageID,
		Reactions: reactions,
	}))
	return nil
}

func (s *Server) deleteMessage(ctx context.Context, client *Client, req chat.DeleteRequest) error {
	if req.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", chat.ErrValidation)
	}
	msg, err := s.store.SoftDeleteMessage(ctx, req.MessageID, client.userID())
	if err != nil {
		return err
	}
	if err := s.cache.Remove(ctx, msg.RoomID, msg.ID); err != nil {
		s.logger.Warn("remove cached message", zap.String("message", msg.ID), zap.Error(err))
	}
	s.publishRoom(ctx, msg.RoomID, chat.NewEvent(chat.EventMessageDeleted, msg.RoomID, chat.DeletedPayload{
		MessageID: msg.ID,
	}))
	return nil
}

func (s *Server) createRoom(ctx context.Context, client *Client, req chat.CreateRoomRequest) error {
	room, err := s.store.CreateRoom(ctx, req.Name, client.userID(), req.Password)
	if err != nil {
		return err
	}
	s.publishRooms(ctx, room)
	return nil
}

// summaries resolves participant ids; unresolvable ids keep only the id.
func (s *Server) summaries(ctx context.Context, ids []string) []chat.UserSummary {
	out := make([]chat.UserSummary, 0, len(ids))
	for _, id := range ids {
		summary := chat.UserSummary{ID: id}
		if v, err := s.resolver.Resolve(ctx, history.KindUser, id); err == nil {
			if user, ok := v.(chat.UserSummary); ok {
				summary = user
			}
		}
		out = append(out, summary)
	}
	return out
}

func (s *Server) systemMessage(roomID, content string) {
	_, err := s.writer.Submit(chat.Message{RoomID: roomID, Type: chat.TypeSystem, Content: content})
	if err != nil {
		s.logger.Warn("system message dropped", zap.String("room", roomID), zap.Error(err))
	}
}

func (s *Server) publishRoom(ctx context.Context, roomID string, ev chat.Event) {
	// failures are logged by the bus
	_ = s.bus.PublishRoom(ctx, roomID, ev)
}

func (s *Server) publishRooms(ctx context.Context, room chat.Room) {
	_ = s.bus.Publish(ctx, bus.TopicRooms, chat.NewEvent(chat.EventRoomUpdated, "", chat.RoomUpdatedPayload{Room: room}))
}

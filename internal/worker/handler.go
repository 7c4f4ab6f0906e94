package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/group"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/queue"
	"github.com/agent-pulse/pulse/internal/wire"
)

// publishBudget bounds one command's publish attempt across all relays.
const publishBudget = 10 * time.Second

// handleCommand executes one drained command and returns its result record.
// It runs on the inbox goroutine, after the lock is released.
func (w *Worker) handleCommand(cmd command.Command) command.Result {
	if !w.cmdLimiter.Allow() {
		w.counters.RateLimited.Add(1)
		return command.Failed(cmd.ID, fault.New(fault.RateLimited, "command rate limit exceeded"))
	}
	w.counters.Commands.Add(1)

	var res command.Result
	switch cmd.Type {
	case command.TypeSend:
		res = w.handleSend(cmd)
	case command.TypeGroupSend:
		res = w.handleGroupSend(cmd)
	case command.TypeJoinGroup:
		res = w.handleJoinGroup(cmd)
	case command.TypeLeaveGroup:
		res = w.handleLeaveGroup(cmd)
	case command.TypeGroupCreate:
		res = w.handleGroupCreate(cmd)
	case command.TypeGroupKick, command.TypeGroupBan, command.TypeGroupUnban,
		command.TypeGroupMute, command.TypeGroupUnmute,
		command.TypeGroupAdmin, command.TypeGroupTransfer:
		res = w.handleModeration(cmd)
	case command.TypeRelayRecover:
		w.pool.Recover(cmd.Target)
		res = command.OK(cmd.ID)
	case command.TypeStop:
		slog.Info("worker: stop command received")
		w.requestStop()
		res = command.OK(cmd.ID)
	default:
		res = command.Failed(cmd.ID, fault.New(fault.UnknownCommand, "unknown command type %q", cmd.Type))
	}

	if !res.Success {
		w.counters.Errors.Add(1)
	}
	return res
}

// handleSend signs, encrypts, and publishes a direct message. A publish
// failure is not an error for the caller: the message moves to the retry
// queue and the command is reported as accepted.
func (w *Worker) handleSend(cmd command.Command) command.Result {
	target, err := identity.NormalizePubKey(cmd.Target)
	if err != nil {
		return command.Failed(cmd.ID, err)
	}
	if cmd.Content == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "empty message"))
	}

	if err := w.publishDirect(target, cmd.Content); err != nil {
		return w.enqueueRetry(cmd.ID, queue.Message{
			ID:      cmd.ID,
			Type:    command.TypeSend,
			Target:  target,
			Content: cmd.Content,
		}, err)
	}

	w.counters.Sent.Add(1)
	res := command.OK(cmd.ID)
	res.Data = map[string]any{"delivered": true, "target": target}
	return res
}

// publishDirect wraps content in a signed envelope, DM-encrypts it for
// target, and publishes on the primary topic.
func (w *Worker) publishDirect(target, content string) error {
	sp, err := wire.SignPayload(content, time.Now().UnixMilli(), w.id.SecretKey)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(sp)
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	ciphertext, err := wire.EncryptDM(w.id.SecretKey, target, string(plain))
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	evt, err := wire.BuildEvent(w.id.SecretKey, w.cfg.Topic, ciphertext)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(w.runCtx, publishBudget)
	defer cancel()
	return w.pool.PublishMulti(ctx, evt)
}

// handleGroupSend checks the sender's standing, encrypts under the group
// key, publishes to the group topic, and records the message in the
// group's own history.
func (w *Worker) handleGroupSend(cmd command.Command) command.Result {
	if cmd.GroupID == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "missing group id"))
	}
	if cmd.Content == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "empty message"))
	}

	g, ok := w.groups.Get(cmd.GroupID)
	if !ok {
		return command.Failed(cmd.ID, fault.New(fault.GroupNotFound, "no group %s", cmd.GroupID))
	}
	if err := w.groups.CanSend(cmd.GroupID, w.id.PublicKey); err != nil {
		return command.Failed(cmd.ID, err)
	}

	topic := cmd.Topic
	if topic == "" {
		topic = g.Topic
	}

	evtID, err := w.publishGroup(topic, cmd.Content)
	if err != nil {
		return w.enqueueRetry(cmd.ID, queue.Message{
			ID:      cmd.ID,
			Type:    command.TypeGroupSend,
			Target:  topic,
			Topic:   topic,
			Content: cmd.Content,
		}, err)
	}

	w.counters.Sent.Add(1)
	w.appendOwnHistory(g.ID, evtID, cmd.Content)

	res := command.OK(cmd.ID)
	res.Data = map[string]any{"delivered": true, "groupId": g.ID, "topic": topic}
	return res
}

// publishGroup encrypts a signed envelope under the topic's derived key and
// publishes it. Returns the event id for history bookkeeping.
func (w *Worker) publishGroup(topic, content string) (string, error) {
	sp, err := wire.SignPayload(content, time.Now().UnixMilli(), w.id.SecretKey)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(sp)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err)
	}
	cipher, err := w.groupCipher(topic)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err)
	}
	ciphertext, err := cipher.Encrypt(plain)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err)
	}
	evt, err := wire.BuildEvent(w.id.SecretKey, topic, ciphertext)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(w.runCtx, publishBudget)
	defer cancel()
	if err := w.pool.PublishMulti(ctx, evt); err != nil {
		return "", err
	}
	return evt.ID, nil
}

// appendOwnHistory records our own outgoing group message; the dispatcher
// only sees inbound traffic, so the send path writes this side itself.
func (w *Worker) appendOwnHistory(groupID, evtID, content string) {
	now := time.Now().UnixMilli()
	valid := true
	rec := group.HistoryRecord{
		StoredMessage: msglog.StoredMessage{
			ID:             evtID,
			From:           w.id.PublicKey,
			Content:        content,
			Timestamp:      now,
			ReceivedAt:     now,
			IsGroup:        true,
			GroupID:        &groupID,
			SignatureValid: &valid,
		},
		SavedAt: now,
	}
	if err := w.groups.AppendHistory(groupID, rec); err != nil {
		slog.Warn("worker: own history append failed", "group", groupID, "err", err)
	}
}

func (w *Worker) handleJoinGroup(cmd command.Command) command.Result {
	if cmd.GroupID == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "missing group id"))
	}
	topic := cmd.Topic
	if topic == "" {
		topic = group.DefaultTopic(cmd.GroupID)
	}

	g, err := w.groups.Join(cmd.GroupID, topic, w.id.PublicKey, cmd.Name)
	if err != nil {
		return command.Failed(cmd.ID, err)
	}
	w.resubscribe()

	res := command.OK(cmd.ID)
	res.Data = map[string]any{"groupId": g.ID, "topic": g.Topic, "name": g.Name}
	return res
}

// handleLeaveGroup drops our membership and closes the topic subscription.
// Leaving a group we never joined is a no-op, so the operation stays
// idempotent; an owner abandoning members is still refused.
func (w *Worker) handleLeaveGroup(cmd command.Command) command.Result {
	if cmd.GroupID == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "missing group id"))
	}

	err := w.groups.Leave(cmd.GroupID, w.id.PublicKey)
	switch fault.CodeOf(err) {
	case fault.GroupNotFound, fault.MemberNotFound:
		err = nil
	}
	if err != nil {
		return command.Failed(cmd.ID, err)
	}

	w.resubscribe()
	res := command.OK(cmd.ID)
	res.Data = map[string]any{"groupId": cmd.GroupID, "left": true}
	return res
}

func (w *Worker) handleGroupCreate(cmd command.Command) command.Result {
	g, err := w.groups.Create(cmd.Name, w.id.PublicKey)
	if err != nil {
		return command.Failed(cmd.ID, err)
	}
	w.resubscribe()

	res := command.OK(cmd.ID)
	res.Data = map[string]any{"groupId": g.ID, "topic": g.Topic, "name": g.Name}
	return res
}

// handleModeration runs the admin-gated membership ops. The operator is
// always this worker's own identity.
func (w *Worker) handleModeration(cmd command.Command) command.Result {
	if cmd.GroupID == "" {
		return command.Failed(cmd.ID, fault.New(fault.InvalidArgs, "missing group id"))
	}
	target, err := identity.NormalizePubKey(cmd.Target)
	if err != nil {
		return command.Failed(cmd.ID, err)
	}
	op := w.id.PublicKey

	switch cmd.Type {
	case command.TypeGroupKick:
		err = w.groups.Kick(cmd.GroupID, op, target)
	case command.TypeGroupBan:
		err = w.groups.Ban(cmd.GroupID, op, target)
	case command.TypeGroupUnban:
		err = w.groups.Unban(cmd.GroupID, op, target)
	case command.TypeGroupMute:
		err = w.groups.Mute(cmd.GroupID, op, target, cmd.Duration)
	case command.TypeGroupUnmute:
		err = w.groups.Unmute(cmd.GroupID, op, target)
	case command.TypeGroupAdmin:
		err = w.groups.SetAdmin(cmd.GroupID, op, target, cmd.Flag)
	case command.TypeGroupTransfer:
		err = w.groups.TransferOwnership(cmd.GroupID, op, target)
	}
	if err != nil {
		return command.Failed(cmd.ID, err)
	}

	res := command.OK(cmd.ID)
	res.Data = map[string]any{"groupId": cmd.GroupID, "target": target}
	return res
}

// enqueueRetry parks a failed send in the offline queue and reports the
// command as accepted-for-delivery. The terminal outcome, if the retries
// exhaust, arrives later as its own result record under the same id.
func (w *Worker) enqueueRetry(cmdID string, m queue.Message, cause error) command.Result {
	m.LastError = cause.Error()
	evicted := w.queue.Enqueue(m)
	if evicted != nil {
		w.reportTerminal(evicted.ID, fault.New(fault.MessageExpired,
			"dropped from a full queue after %d retries", evicted.RetryCount))
	}
	slog.Info("worker: send queued for retry", "cmd", cmdID, "cause", cause)

	res := command.OK(cmdID)
	res.Data = map[string]any{"queued": true, "queueSize": w.queue.Len()}
	res.Message = fmt.Sprintf("no relay reachable, queued for retry: %v", cause)
	return res
}

// reportTerminal files a failure result for a queued message that will
// never be delivered.
func (w *Worker) reportTerminal(id string, ferr *fault.Error) {
	res := command.Result{
		CmdID:   id,
		Success: false,
		Code:    string(ferr.Code),
		Message: ferr.Message,
		TS:      time.Now().UnixMilli(),
	}
	if err := w.channel.PushResult(res); err != nil {
		slog.Warn("worker: terminal result write failed", "cmd", id, "err", err)
	}
}

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"go.uber.org/zap"
)

// Router executes decoded frames on behalf of an authenticated connection.
type Router struct {
	store    database.Store
	registry *Registry
	groups   *GroupManager
	logger   *zap.Logger
	metrics  *Metrics

	now func() time.Time
}

func NewRouter(store database.Store, registry *Registry, groups *GroupManager, logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    store,
		registry: registry,
		groups:   groups,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Route performs the action for one frame from conn. Frames from a
// connection the registry does not know are ignored.
func (rt *Router) Route(ctx context.Context, conn FrameConn, in protocol.Inbound) error {
	sender, ok := rt.registry.Resolve(conn)
	if !ok {
		return nil
	}

	switch in.Kind {
	case protocol.KindRename:
		return rt.handleRename(ctx, sender, in.NewName)
	case protocol.KindCreateGroup:
		return rt.handleCreateGroup(ctx, sender, in)
	case protocol.KindAddMembers:
		return rt.handleAddMembers(ctx, sender, in)
	case protocol.KindListRequest:
		return rt.handleListRequest(ctx, conn)
	case protocol.KindHistoryRequest:
		return rt.handleHistoryRequest(ctx, conn, sender)
	case protocol.KindDirectMessage:
		return rt.handleDirectMessage(ctx, sender, in.Text, in.Target)
	case protocol.KindGroupMessage:
		return rt.postGroupMessage(ctx, sender, in.Text)
	default:
		// Empty and malformed frames are dropped.
		return nil
	}
}

func (rt *Router) handleRename(ctx context.Context, oldName, newName string) error {
	if err := rt.store.RenameAccountEverywhere(ctx, oldName, newName); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldName, newName, err)
	}
	rt.registry.Rename(oldName, newName)
	rt.logger.Info("identity renamed", zap.String("from", oldName), zap.String("to", newName))

	if _, ok := rt.registry.ActiveGroup(newName); !ok {
		return nil
	}
	return rt.postGroupMessage(ctx, newName, protocol.RenameNotice(oldName, newName))
}

func (rt *Router) handleCreateGroup(ctx context.Context, sender string, in protocol.Inbound) error {
	members := in.Members
	if in.PayloadErr != nil {
		members = []string{sender}
	}

	groupID, err := rt.groups.CreateGroup(ctx, sender, members)
	if err != nil {
		return err
	}
	rt.groups.NotifyRole(groupID)
	return rt.postGroupMessage(ctx, sender, protocol.CreatedNotice())
}

// handleAddMembers always follows a resolved group with the role
// notification and a notice naming the requested members, including ones
// that were already in the group. A malformed payload leaves Members nil,
// which adds nobody.
func (rt *Router) handleAddMembers(ctx context.Context, sender string, in protocol.Inbound) error {
	groupID, _, err := rt.groups.AddMembers(ctx, sender, in.Members)
	if err != nil {
		return err
	}
	rt.groups.NotifyRole(groupID)
	return rt.postGroupMessage(ctx, sender, protocol.AddedNotice(dedupe(in.Members)))
}

func (rt *Router) handleListRequest(ctx context.Context, conn FrameConn) error {
	names, err := rt.store.ListAccountNames(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	return rt.reply(conn, protocol.UserListReply(names))
}

func (rt *Router) handleHistoryRequest(ctx context.Context, conn FrameConn, sender string) error {
	groupID, ok := rt.registry.ActiveGroup(sender)
	if !ok {
		return rt.reply(conn, protocol.HistoryReply(nil))
	}
	lines, err := rt.store.FetchGroupHistory(ctx, groupID)
	if err != nil {
		return fmt.Errorf("history for group %d: %w", groupID, err)
	}
	return rt.reply(conn, protocol.HistoryReply(lines))
}

// handleDirectMessage stores the message and tries live delivery. A message
// that reaches a live recipient is marked delivered so it is not replayed.
func (rt *Router) handleDirectMessage(ctx context.Context, sender, text, target string) error {
	id, err := rt.store.RecordDirectMessage(ctx, sender, target, text, rt.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record direct message: %w", err)
	}
	rt.metrics.RecordStored("direct")

	if err := rt.registry.Send(target, protocol.DirectDelivery(sender, text)); err != nil {
		return nil
	}
	if err := rt.store.MarkDirectMessagesDelivered(ctx, []int64{id}); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// postGroupMessage stores text in sender's active group and pushes it to
// every live member, sender included. Without an active group the message
// is dropped.
func (rt *Router) postGroupMessage(ctx context.Context, sender, text string) error {
	groupID, ok := rt.registry.ActiveGroup(sender)
	if !ok {
		return ErrNoActiveGroup
	}
	if _, err := rt.store.RecordGroupMessage(ctx, groupID, sender, text, rt.now().UnixMilli()); err != nil {
		return fmt.Errorf("record group message: %w", err)
	}
	rt.metrics.RecordStored("group")

	_, members, ok := rt.registry.GroupSnapshot(groupID)
	if !ok {
		return nil
	}
	rt.registry.Broadcast(members, protocol.GroupPush(sender, text))
	return nil
}

// reply answers on the requesting connection itself.
func (rt *Router) reply(conn FrameConn, payload string) error {
	err := conn.WriteFrame(payload)
	rt.metrics.RecordSend(err)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"go.uber.org/zap"
)

// ErrNoActiveGroup is returned when an operation needs the caller's active
// group and there is none.
var ErrNoActiveGroup = errors.New("no active group")

// GroupManager runs the group lifecycle. Every change is written to the
// store first and then applied to the registry's live view.
type GroupManager struct {
	store    database.Store
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
}

func NewGroupManager(store database.Store, registry *Registry, logger *zap.Logger, metrics *Metrics) *GroupManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupManager{store: store, registry: registry, logger: logger, metrics: metrics}
}

// CreateGroup creates a group administered by admin. Requested members are
// deduplicated and admin is added first when missing. Every member's active
// group becomes the new id.
func (gm *GroupManager) CreateGroup(ctx context.Context, admin string, requested []string) (int64, error) {
	members := groupMembers(admin, requested)

	groupID, err := gm.store.CreateGroup(ctx, admin, members)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	gm.registry.InstallGroup(groupID, admin, members)
	gm.metrics.RecordGroupCreated()

	gm.logger.Debug("group created",
		zap.Int64("group", groupID),
		zap.String("admin", admin),
		zap.Strings("members", members))
	return groupID, nil
}

// AddMembers adds names to requester's active group. It returns the group id
// and the names that were not already live members; those members' active
// group switches to this one. ErrNoActiveGroup if requester has none.
func (gm *GroupManager) AddMembers(ctx context.Context, requester string, names []string) (int64, []string, error) {
	groupID, ok := gm.registry.ActiveGroup(requester)
	if !ok {
		return 0, nil, ErrNoActiveGroup
	}

	if err := gm.ensureView(ctx, groupID); err != nil {
		return 0, nil, err
	}

	names = dedupe(names)
	if _, err := gm.store.AddGroupMembers(ctx, groupID, names); err != nil {
		return 0, nil, fmt.Errorf("add members to group %d: %w", groupID, err)
	}
	added := gm.registry.AddGroupMembers(groupID, names)

	gm.logger.Debug("members added",
		zap.Int64("group", groupID),
		zap.String("by", requester),
		zap.Strings("added", added))
	return groupID, added, nil
}

// ensureView rebuilds the live view of groupID from the store when the
// registry has none.
func (gm *GroupManager) ensureView(ctx context.Context, groupID int64) error {
	if _, _, ok := gm.registry.GroupSnapshot(groupID); ok {
		return nil
	}
	group, err := gm.store.GetGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", groupID, err)
	}
	gm.registry.RestoreGroup(group.ID, group.Admin, group.Members)
	gm.logger.Info("live group view restored from store", zap.Int64("group", groupID))
	return nil
}

// NotifyRole tells every current live member who administers the group.
func (gm *GroupManager) NotifyRole(groupID int64) {
	admin, members, ok := gm.registry.GroupSnapshot(groupID)
	if !ok {
		return
	}
	gm.registry.Broadcast(members, protocol.RoleNotification(admin, groupID))
}

// groupMembers returns requested without blanks or repeats, with admin
// first if it was not requested.
func groupMembers(admin string, requested []string) []string {
	members := dedupe(requested)
	for _, m := range members {
		if m == admin {
			return members
		}
	}
	return append([]string{admin}, members...)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

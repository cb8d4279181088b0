package server

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrOffline is returned by Send when the identity has no live connection.
var ErrOffline = errors.New("identity not online")

// groupView is the live membership of one group. It is a cache over the
// store: members are dropped when they disconnect, durable rows are not.
type groupView struct {
	admin   string
	members map[string]struct{}
}

// Registry is the in-memory view of who is online, which group each identity
// currently talks to, and the live member set of every group. One mutex
// guards all of it so a membership change and the matching active-group
// update are observed together.
type Registry struct {
	mu     sync.Mutex
	online map[string]FrameConn // identity -> live connection
	names  map[FrameConn]string // connection -> identity
	active map[string]int64     // identity -> active group
	groups map[int64]*groupView

	logger  *zap.Logger
	metrics *Metrics
}

func NewRegistry(logger *zap.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		online:  make(map[string]FrameConn),
		names:   make(map[FrameConn]string),
		active:  make(map[string]int64),
		groups:  make(map[int64]*groupView),
		logger:  logger,
		metrics: metrics,
	}
}

// Register makes conn the live connection for name. A previous connection
// for the same name stays resolvable until it deregisters but no longer
// receives sends.
func (r *Registry) Register(name string, conn FrameConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[conn]; !ok {
		r.metrics.SessionOpened()
	}
	r.online[name] = conn
	r.names[conn] = name
}

// Deregister forgets conn and returns the identity it was bound to. live
// reports whether conn was still the identity's current connection; only
// then is the identity pruned from every live group and its active group
// cleared.
func (r *Registry) Deregister(conn FrameConn) (name string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.names[conn]
	if !ok {
		return "", false
	}
	delete(r.names, conn)
	r.metrics.SessionClosed()

	if r.online[name] != conn {
		return name, false
	}
	delete(r.online, name)
	delete(r.active, name)
	for _, g := range r.groups {
		delete(g.members, name)
	}
	return name, true
}

// Resolve returns the identity conn authenticated as.
func (r *Registry) Resolve(conn FrameConn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[conn]
	return name, ok
}

// IsOnline reports whether name has a live connection.
func (r *Registry) IsOnline(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[name]
	return ok
}

// Count returns the number of live identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

// Send writes payload to name's live connection. The write happens outside
// the lock. Failures are logged and returned but never remove the entry;
// cleanup belongs to the connection's own read loop.
func (r *Registry) Send(name, payload string) error {
	r.mu.Lock()
	conn, ok := r.online[name]
	r.mu.Unlock()
	if !ok {
		return ErrOffline
	}
	return r.write(name, conn, payload)
}

// Broadcast sends payload to every live identity in names and returns how
// many writes succeeded. A failed write does not stop the fan-out.
func (r *Registry) Broadcast(names []string, payload string) int {
	type target struct {
		name string
		conn FrameConn
	}
	r.mu.Lock()
	targets := make([]target, 0, len(names))
	for _, n := range names {
		if conn, ok := r.online[n]; ok {
			targets = append(targets, target{n, conn})
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if r.write(t.name, t.conn, payload) == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) write(name string, conn FrameConn, payload string) error {
	err := conn.WriteFrame(payload)
	r.metrics.RecordSend(err)
	if err != nil {
		r.logger.Debug("send failed", zap.String("to", name), zap.Error(err))
	}
	return err
}

func (r *Registry) SetActiveGroup(name string, groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[name] = groupID
}

func (r *Registry) ActiveGroup(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gid, ok := r.active[name]
	return gid, ok
}

// InstallGroup records a new group's live view and points every member's
// active group at it.
func (r *Registry) InstallGroup(groupID int64, admin string, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := &groupView{admin: admin, members: make(map[string]struct{}, len(members))}
	for _, m := range members {
		g.members[m] = struct{}{}
		r.active[m] = groupID
	}
	r.groups[groupID] = g
}

// RestoreGroup installs a live view for a stored group the registry has lost
// track of, keeping only members that are online. Active group pointers are
// left alone. An existing view is not replaced.
func (r *Registry) RestoreGroup(groupID int64, admin string, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupID]; ok {
		return
	}
	g := &groupView{admin: admin, members: make(map[string]struct{}, len(members))}
	for _, m := range members {
		if _, online := r.online[m]; online {
			g.members[m] = struct{}{}
		}
	}
	r.groups[groupID] = g
}

// AddGroupMembers adds the names missing from the group's live set, points
// their active group at it, and returns them in input order.
func (r *Registry) AddGroupMembers(groupID int64, names []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil
	}
	added := make([]string, 0, len(names))
	for _, n := range names {
		if _, present := g.members[n]; present {
			continue
		}
		g.members[n] = struct{}{}
		r.active[n] = groupID
		added = append(added, n)
	}
	return added
}

// GroupSnapshot returns the admin and a sorted copy of the live members.
func (r *Registry) GroupSnapshot(groupID int64) (admin string, members []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return "", nil, false
	}
	members = make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return g.admin, members, true
}

// Rename moves every in-memory reference from oldName to newName: the live
// connection, connection bindings, the active group and group membership.
func (r *Registry) Rename(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.online[oldName]; ok {
		delete(r.online, oldName)
		r.online[newName] = conn
	}
	for conn, n := range r.names {
		if n == oldName {
			r.names[conn] = newName
		}
	}
	if gid, ok := r.active[oldName]; ok {
		delete(r.active, oldName)
		r.active[newName] = gid
	}
	for _, g := range r.groups {
		if _, ok := g.members[oldName]; ok {
			delete(g.members, oldName)
			g.members[newName] = struct{}{}
		}
		if g.admin == oldName {
			g.admin = newName
		}
	}
}

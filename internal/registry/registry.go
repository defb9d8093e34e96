// Package registry tracks which user identity is bound to which live
// signaling connection, and fans presence updates out to every connection.
package registry

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tkreindler/BlazorChat/internal/metrics"
	"github.com/tkreindler/BlazorChat/internal/protocol"
)

var (
	ErrUnknownUser = errors.New("registry: unknown user")
	// ErrNotConnected is returned when registering on a connection that is not
	// (or is no longer) in the connection set.
	ErrNotConnected       = errors.New("registry: connection not connected")
	ErrDuplicateConn      = errors.New("registry: duplicate connection id")
	ErrTooManyConnections = errors.New("registry: too many connections")
)

// User is the record kept for every identity that ever registered.
type User struct {
	Identity    uuid.UUID
	DisplayName string
	// ConnID is empty once the user's connection has gone away.
	ConnID string
}

func (u User) Reachable() bool { return u.ConnID != "" }

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// MaxConnections caps the connection set. Zero means unlimited.
	MaxConnections int
}

// Registry is safe for concurrent use. A single mutex serializes every
// mutation together with the presence broadcast it triggers, so all
// connections observe presence lists in the same order.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	max     int

	mu         sync.Mutex
	conns      *ConnSet
	byConn     map[string]uuid.UUID
	byIdentity map[uuid.UUID]*User
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		log:        logger,
		metrics:    opts.Metrics,
		max:        opts.MaxConnections,
		conns:      NewConnSet(),
		byConn:     make(map[string]uuid.UUID),
		byIdentity: make(map[uuid.UUID]*User),
	}
}

// Connect adds c to the connection set and sends it the current presence
// list. Nobody else is notified.
func (r *Registry) Connect(c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && r.conns.Len() >= r.max {
		r.metrics.Inc(metrics.SignalWSRejectedCapacity)
		return ErrTooManyConnections
	}
	if !r.conns.Add(c) {
		return ErrDuplicateConn
	}
	r.metrics.Inc(metrics.SignalWSConnections)
	c.Send(protocol.ReceiveUsers(r.presenceLocked()))
	return nil
}

// Register binds identity to connID, replacing any earlier record for the
// identity, then broadcasts presence to every connection.
//
// If the identity was bound to another connection, that connection loses the
// binding. If connID was bound to another identity, that identity becomes
// unreachable.
func (r *Registry) Register(identity uuid.UUID, displayName, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conns.Has(connID) {
		return ErrNotConnected
	}

	if prev, ok := r.byConn[connID]; ok && prev != identity {
		if rec := r.byIdentity[prev]; rec != nil && rec.ConnID == connID {
			rec.ConnID = ""
		}
	}

	existing, reregistered := r.byIdentity[identity]
	if reregistered && existing.ConnID != "" && existing.ConnID != connID {
		delete(r.byConn, existing.ConnID)
		r.log.Info("user_rebound", "identity", identity, "old_conn", existing.ConnID, "conn", connID)
	}

	r.byIdentity[identity] = &User{Identity: identity, DisplayName: displayName, ConnID: connID}
	r.byConn[connID] = identity

	if reregistered {
		r.metrics.Inc(metrics.UsersReregistered)
	} else {
		r.metrics.Inc(metrics.UsersRegistered)
	}
	r.log.Info("user_registered", "identity", identity, "display_name", displayName, "conn", connID, "reregistered", reregistered)

	r.broadcastLocked("")
	return nil
}

// Unregister drops connID from the connection set, marks its user
// unreachable, and broadcasts presence to everyone else. Unknown ids are
// ignored apart from the broadcast.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns.Remove(connID)
	if identity, ok := r.byConn[connID]; ok {
		delete(r.byConn, connID)
		if rec := r.byIdentity[identity]; rec != nil && rec.ConnID == connID {
			rec.ConnID = ""
		}
		r.log.Info("user_disconnected", "identity", identity, "conn", connID)
	}

	r.broadcastLocked(connID)
}

// Lookup returns the record for identity. A record whose connection has gone
// away is returned without error; see User.Reachable.
func (r *Registry) Lookup(identity uuid.UUID) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byIdentity[identity]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return *rec, nil
}

// IdentityOf returns the identity currently bound to connID.
func (r *Registry) IdentityOf(connID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Deliver sends frame to connID if that connection is still bound to
// identity. A connection that has since registered someone else, or has
// gone away, counts as unreachable and false is returned, as it is when the
// connection refuses the frame.
func (r *Registry) Deliver(identity uuid.UUID, connID string, frame []byte) bool {
	if connID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, ok := r.byConn[connID]; !ok || bound != identity {
		return false
	}
	return r.conns.SendTo(connID, frame)
}

// Presence returns every reachable user, ordered by display name.
func (r *Registry) Presence() []protocol.UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

// ConnectionCount is the number of live connections, registered or not.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.Len()
}

func (r *Registry) presenceLocked() []protocol.UserInfo {
	users := make([]protocol.UserInfo, 0, len(r.byConn))
	for _, identity := range r.byConn {
		rec := r.byIdentity[identity]
		if rec == nil {
			continue
		}
		users = append(users, protocol.UserInfo{Identity: rec.Identity, DisplayName: rec.DisplayName})
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].DisplayName), strings.ToLower(users[j].DisplayName)
		if a != b {
			return a < b
		}
		return users[i].Identity.String() < users[j].Identity.String()
	})
	return users
}

func (r *Registry) broadcastLocked(except string) {
	frame := protocol.ReceiveUsers(r.presenceLocked())
	var sent int
	if except == "" {
		sent = r.conns.SendToAll(frame)
	} else {
		sent = r.conns.SendToAllExcept(except, frame)
	}
	r.metrics.Inc(metrics.PresenceBroadcasts)
	r.log.Debug("presence_broadcast", "recipients", sent)
}

package service

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"bikely/server/internal/model"
)

// SessionRegistry owns the username <-> connection mapping and the per-session
// usage counters. Registration is last-wins: a reconnect under the same
// username replaces the previous connection handle but keeps the accumulated
// usage. Change notifications fire atomically with the mutation so no observer
// sees an intermediate registry state.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	byClient map[string]string // connection handle -> username

	tick time.Duration

	// onChange receives the connected-user list after any registry mutation
	onChange func([]model.UserListEntry)
	// onUsage receives per-session usage updates from the accumulator
	onUsage func(model.UsageTimeUpdate)
}

// NewSessionRegistry creates a session registry with the given usage tick
func NewSessionRegistry(tick time.Duration) *SessionRegistry {
	if tick <= 0 {
		tick = time.Second
	}
	return &SessionRegistry{
		sessions: make(map[string]*model.Session),
		byClient: make(map[string]string),
		tick:     tick,
	}
}

// SetOnChange registers the user-list notification sink
func (r *SessionRegistry) SetOnChange(fn func([]model.UserListEntry)) {
	r.onChange = fn
}

// SetOnUsage registers the usage-update notification sink
func (r *SessionRegistry) SetOnUsage(fn func(model.UsageTimeUpdate)) {
	r.onUsage = fn
}

// Register binds a username to a connection handle. Re-registering an already
// connected username replaces the prior handle, and a handle re-registering
// under a new username releases the session it was bound to first.
func (r *SessionRegistry) Register(username, clientID string) {
	r.mu.Lock()
	if prev, bound := r.byClient[clientID]; bound && prev != username {
		if old := r.sessions[prev]; old != nil && old.ClientID == clientID {
			old.Connected = false
			old.ClientID = ""
		}
		delete(r.byClient, clientID)
	}
	sess, ok := r.sessions[username]
	if !ok {
		sess = &model.Session{Username: username, ConnectedAt: time.Now()}
		r.sessions[username] = sess
	}
	if sess.ClientID != "" {
		delete(r.byClient, sess.ClientID)
	}
	sess.ClientID = clientID
	sess.Connected = true
	r.byClient[clientID] = username
	users := r.connectedLocked()

	log.Printf("[SessionRegistry] Registered %s (client %s), %d connected", username, clientID, len(users))
	r.notifyLocked(users)
	r.mu.Unlock()
}

// UnregisterClient marks the session owning this connection handle as
// disconnected. Lookup is by handle, not username, so a reconnect that already
// replaced the handle is not torn down by the old connection closing late.
func (r *SessionRegistry) UnregisterClient(clientID string) {
	r.mu.Lock()
	username, ok := r.byClient[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClient, clientID)
	sess := r.sessions[username]
	if sess != nil && sess.ClientID == clientID {
		sess.Connected = false
		sess.ClientID = ""
	}
	users := r.connectedLocked()

	log.Printf("[SessionRegistry] Unregistered %s (client %s), %d connected", username, clientID, len(users))
	r.notifyLocked(users)
	r.mu.Unlock()
}

// notifyLocked delivers a user-list snapshot while still holding the mutex, so
// observers see deliveries in mutation order. The sink must not block and must
// not call back into the registry; the hub's non-blocking enqueue satisfies
// both.
func (r *SessionRegistry) notifyLocked(users []model.UserListEntry) {
	if r.onChange != nil {
		r.onChange(users)
	}
}

// IsConnected reports whether a username has a live connection
func (r *SessionRegistry) IsConnected(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return ok && sess.Connected
}

// Session returns a copy of the session for a username
func (r *SessionRegistry) Session(username string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

// UserList returns the currently connected usernames
func (r *SessionRegistry) UserList() []model.UserListEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked()
}

// Sessions returns copies of every known session, connected or not
func (r *SessionRegistry) Sessions() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UsageSeconds returns the accumulated connected time for a username
func (r *SessionRegistry) UsageSeconds(username string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[username]; ok {
		return sess.UsageSeconds
	}
	return 0
}

// ReportUsage accepts a client-reported usage figure (the rider front-end
// sends these periodically). The counter never moves backwards.
func (r *SessionRegistry) ReportUsage(username string, usageSeconds int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[username]; ok && usageSeconds > sess.UsageSeconds {
		sess.UsageSeconds = usageSeconds
	}
}

// Run drives the usage accumulator: once per tick every connected session
// gains one second, and observers are notified of the new values. The counter
// freezes while disconnected and resumes on reconnect.
func (r *SessionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.accumulate()
		}
	}
}

func (r *SessionRegistry) accumulate() {
	r.mu.Lock()
	updates := make([]model.UsageTimeUpdate, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if !sess.Connected {
			continue
		}
		sess.UsageSeconds++
		updates = append(updates, model.UsageTimeUpdate{
			Username:     sess.Username,
			UsageSeconds: sess.UsageSeconds,
		})
	}
	r.mu.Unlock()

	if r.onUsage == nil {
		return
	}
	for _, update := range updates {
		r.onUsage(update)
	}
}

func (r *SessionRegistry) connectedLocked() []model.UserListEntry {
	users := make([]model.UserListEntry, 0, len(r.sessions))
	for username, sess := range r.sessions {
		if sess.Connected {
			users = append(users, model.UserListEntry{Username: username})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

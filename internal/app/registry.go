package app

import (
	"time"

	"trivia-live/internal/domain"
)

// PlayerRegistry is the in-memory roster of live participants. It binds
// ephemeral connection ids to stable participant identities and reconciles
// session-local state against external roster snapshots.
//
// The registry carries no lock of its own: the Game serializes every call,
// including the grace-eviction callbacks, so all mutations happen inside one
// serialization domain.
type PlayerRegistry struct {
	now func() time.Time

	// conns tracks open transports; value is the bound participant id, empty
	// until the connection identifies itself.
	conns   map[string]string
	players map[string]*domain.Participant
	order   []string // participant ids in join order, for stable broadcasts

	// gens guards grace eviction: a rebind bumps the generation so a pending
	// eviction scheduled for the old disconnect becomes a no-op.
	gens map[string]uint64
}

func NewPlayerRegistry(now func() time.Time) *PlayerRegistry {
	return &PlayerRegistry{
		now:     now,
		conns:   make(map[string]string),
		players: make(map[string]*domain.Participant),
		gens:    make(map[string]uint64),
	}
}

// OnConnectionOpened registers a transport that has not identified yet.
func (r *PlayerRegistry) OnConnectionOpened(connectionID string) {
	r.conns[connectionID] = ""
}

// OnIdentify binds a connection to a participant identity. A participant
// already known under another connection is rebound to the new one and keeps
// its session-local flags: identity, not transport, is the unit of progress.
//
// A connection may also re-identify as a different participant. The one it was
// bound to before is then detached exactly as on a close, so it stops counting
// as live; the returned token lets the caller schedule its grace eviction.
func (r *PlayerRegistry) OnIdentify(connectionID, participantID, displayName string, isAdmin bool) (displacedID string, displacedGen uint64, displaced bool) {
	if prev, ok := r.conns[connectionID]; ok && prev != "" && prev != participantID {
		if p, found := r.players[prev]; found && p.ConnectionID == connectionID {
			p.ConnectionID = ""
		}
		r.gens[prev]++
		displacedID, displacedGen, displaced = prev, r.gens[prev], true
	}

	r.conns[connectionID] = participantID
	r.gens[participantID]++

	if p, ok := r.players[participantID]; ok {
		if p.ConnectionID != "" && p.ConnectionID != connectionID {
			delete(r.conns, p.ConnectionID)
		}
		p.ConnectionID = connectionID
		p.DisplayName = displayName
		p.IsAdmin = isAdmin
		return displacedID, displacedGen, displaced
	}

	r.players[participantID] = &domain.Participant{
		ParticipantID: participantID,
		ConnectionID:  connectionID,
		DisplayName:   displayName,
		IsAdmin:       isAdmin,
		JoinedAt:      r.now(),
	}
	r.order = append(r.order, participantID)
	return displacedID, displacedGen, displaced
}

// OnConnectionClosed removes the connection binding. The participant record is
// kept for the grace window; the returned generation token lets the caller
// schedule an eviction that a fast reconnect invalidates.
func (r *PlayerRegistry) OnConnectionClosed(connectionID string) (participantID string, gen uint64, identified bool) {
	participantID, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	if !ok || participantID == "" {
		return "", 0, false
	}
	if p, found := r.players[participantID]; found && p.ConnectionID == connectionID {
		p.ConnectionID = ""
	}
	r.gens[participantID]++
	return participantID, r.gens[participantID], true
}

// EvictIfDetached drops the participant record if it is still disconnected and
// no rebind happened since the token was issued.
func (r *PlayerRegistry) EvictIfDetached(participantID string, gen uint64) bool {
	p, ok := r.players[participantID]
	if !ok || p.ConnectionID != "" || r.gens[participantID] != gen {
		return false
	}
	delete(r.players, participantID)
	delete(r.gens, participantID)
	for i, id := range r.order {
		if id == participantID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Reconcile merges an external roster snapshot by field ownership: the store
// is authoritative for score, display name and admin flag, while readiness
// and the answered flag stay session-local so a just-issued toggle is never
// clobbered by a stale snapshot read that raced it. Live participants missing
// from the snapshot are retained but flagged unconfirmed; snapshot rows with
// no live counterpart are ignored.
func (r *PlayerRegistry) Reconcile(snapshot []domain.RosterEntry) {
	seen := make(map[string]struct{}, len(snapshot))
	for _, entry := range snapshot {
		seen[entry.ParticipantID] = struct{}{}
		p, ok := r.players[entry.ParticipantID]
		if !ok {
			continue
		}
		p.Score = entry.Score
		p.IsAdmin = entry.IsAdmin
		if entry.DisplayName != "" {
			p.DisplayName = entry.DisplayName
		}
		p.Unconfirmed = false
	}
	for id, p := range r.players {
		if _, ok := seen[id]; !ok {
			p.Unconfirmed = true
		}
	}
}

// SetReady flips the session-local readiness flag.
func (r *PlayerRegistry) SetReady(participantID string, ready bool) error {
	p, ok := r.players[participantID]
	if !ok {
		return domain.ErrNotFound
	}
	p.IsReady = ready
	return nil
}

// MarkAnswered records that the participant answered the current round.
func (r *PlayerRegistry) MarkAnswered(participantID string) error {
	p, ok := r.players[participantID]
	if !ok {
		return domain.ErrNotFound
	}
	p.HasAnswered = true
	return nil
}

// ResetAnswered clears the answered flag on every participant. Called at the
// start of each round.
func (r *PlayerRegistry) ResetAnswered() {
	for _, p := range r.players {
		p.HasAnswered = false
	}
}

// ResetReady clears readiness on every participant. Called at game end.
func (r *PlayerRegistry) ResetReady() {
	for _, p := range r.players {
		p.IsReady = false
	}
}

// ParticipantByConnection resolves a live connection to its identity.
func (r *PlayerRegistry) ParticipantByConnection(connectionID string) (*domain.Participant, bool) {
	id, ok := r.conns[connectionID]
	if !ok || id == "" {
		return nil, false
	}
	p, ok := r.players[id]
	return p, ok
}

// Participant looks up a record by identity.
func (r *PlayerRegistry) Participant(participantID string) (*domain.Participant, bool) {
	p, ok := r.players[participantID]
	return p, ok
}

// LiveCount counts participants holding a live connection.
func (r *PlayerRegistry) LiveCount() int {
	n := 0
	for _, p := range r.players {
		if p.ConnectionID != "" {
			n++
		}
	}
	return n
}

// AllLiveReady reports whether every live participant flagged ready.
func (r *PlayerRegistry) AllLiveReady() bool {
	for _, p := range r.players {
		if p.ConnectionID != "" && !p.IsReady {
			return false
		}
	}
	return true
}

// AdminID returns the identity of the current live admin, or "0" as the reset
// sentinel when none is connected.
func (r *PlayerRegistry) AdminID() string {
	for _, id := range r.order {
		if p := r.players[id]; p.IsAdmin && p.ConnectionID != "" {
			return p.ParticipantID
		}
	}
	return "0"
}

// Snapshot produces the join-ordered roster view for broadcast.
func (r *PlayerRegistry) Snapshot() []domain.PlayerView {
	views := make([]domain.PlayerView, 0, len(r.order))
	for _, id := range r.order {
		p := r.players[id]
		views = append(views, domain.PlayerView{
			ParticipantID: p.ParticipantID,
			ConnectionID:  p.ConnectionID,
			DisplayName:   p.DisplayName,
			IsAdmin:       p.IsAdmin,
			Score:         p.Score,
			IsReady:       p.IsReady,
			HasAnswered:   p.HasAnswered,
			Unconfirmed:   p.Unconfirmed,
		})
	}
	return views
}

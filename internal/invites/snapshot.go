package invites

import (
	"sync"
	"time"
)

// Invite is the cached usage metadata of one invite code.
type Invite struct {
	Code      string
	Uses      int
	InviterID string
	CreatedAt time.Time
}

// Snapshot maps invite code to its metadata for one guild.
type Snapshot map[string]Invite

func SnapshotOf(invites []Invite) Snapshot {
	snap := make(Snapshot, len(invites))
	for _, invite := range invites {
		if invite.Code == "" {
			continue
		}
		snap[invite.Code] = invite
	}
	return snap
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for code, invite := range s {
		out[code] = invite
	}
	return out
}

// SnapshotStore owns the per-guild invite snapshots. Readers always get a
// private copy, so a snapshot is never observed half-written.
type SnapshotStore struct {
	mu     sync.RWMutex
	guilds map[string]Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{guilds: make(map[string]Snapshot)}
}

// Get returns the last known snapshot, or an empty one if none is cached.
func (s *SnapshotStore) Get(guildID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.guilds[guildID]
	if !ok {
		return Snapshot{}
	}
	return snap.Clone()
}

func (s *SnapshotStore) Has(guildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

func (s *SnapshotStore) Replace(guildID string, snap Snapshot) {
	next := snap.Clone()
	s.mu.Lock()
	s.guilds[guildID] = next
	s.mu.Unlock()
}

// PatchCreate merges a newly created invite into the current snapshot. An
// already known code keeps its use count.
func (s *SnapshotStore) PatchCreate(guildID, code, inviterID string, createdAt time.Time) {
	if code == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.guilds[guildID]
	if snap == nil {
		snap = make(Snapshot)
		s.guilds[guildID] = snap
	}
	invite, ok := snap[code]
	if !ok {
		invite = Invite{Code: code}
	}
	if invite.InviterID == "" {
		invite.InviterID = inviterID
	}
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = createdAt
	}
	snap[code] = invite
}

func (s *SnapshotStore) PatchDelete(guildID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap := s.guilds[guildID]; snap != nil {
		delete(snap, code)
	}
}

// Forget drops a guild's snapshot, e.g. when the bot leaves it.
func (s *SnapshotStore) Forget(guildID string) {
	s.mu.Lock()
	delete(s.guilds, guildID)
	s.mu.Unlock()
}

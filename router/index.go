// Package router fans broker events out to the live connections that care
// about them, indexed by user, guild and channel.
package router

import (
	"hash/fnv"
	"sync"

	"github.com/ishakdeveloper/new-stack-sub000/wire"
)

// Conn is the write side of a live gateway connection as the router sees it
type Conn interface {
	ID() string
	UserID() string
	Send(env wire.Envelope) error
}

const indexShards = 16

// membership tracks everything one connection has been added to, so that
// removal can scrub every index entry synchronously.
type membership struct {
	conn     Conn
	guilds   map[string]struct{}
	channels map[string]struct{}
}

type shard struct {
	mu       sync.RWMutex
	users    map[string]map[string]Conn // user id -> conn id -> conn
	guilds   map[string]map[string]Conn
	channels map[string]map[string]Conn
}

func newShard() *shard {
	return &shard{
		users:    make(map[string]map[string]Conn),
		guilds:   make(map[string]map[string]Conn),
		channels: make(map[string]map[string]Conn),
	}
}

// SessionIndex holds the live connections of a gateway process indexed by
// user id, guild id and channel id. Partitioned into shards keyed by the
// index key so fan-out reads contend only per partition, not globally.
type SessionIndex struct {
	shards [indexShards]*shard

	memberMu sync.Mutex
	members  map[string]*membership // conn id -> membership
}

// NewSessionIndex creates an empty session index
func NewSessionIndex() *SessionIndex {
	idx := &SessionIndex{
		members: make(map[string]*membership),
	}
	for i := range idx.shards {
		idx.shards[i] = newShard()
	}
	return idx
}

func (idx *SessionIndex) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return idx.shards[h.Sum32()%indexShards]
}

// Add registers a connection under its user id. Must be called once the
// connection is identified.
func (idx *SessionIndex) Add(c Conn) {
	idx.memberMu.Lock()
	idx.members[c.ID()] = &membership{
		conn:     c,
		guilds:   make(map[string]struct{}),
		channels: make(map[string]struct{}),
	}
	idx.memberMu.Unlock()

	s := idx.shardFor(c.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[c.UserID()] == nil {
		s.users[c.UserID()] = make(map[string]Conn)
	}
	s.users[c.UserID()][c.ID()] = c
}

// Remove unregisters a connection from every index it was added to. It
// completes synchronously: after Remove returns no fan-out can reach the
// connection.
func (idx *SessionIndex) Remove(c Conn) {
	idx.memberMu.Lock()
	m, ok := idx.members[c.ID()]
	delete(idx.members, c.ID())
	idx.memberMu.Unlock()
	if !ok {
		return
	}

	s := idx.shardFor(c.UserID())
	s.mu.Lock()
	removeEntry(s.users, c.UserID(), c.ID())
	s.mu.Unlock()

	for guildID := range m.guilds {
		gs := idx.shardFor(guildID)
		gs.mu.Lock()
		removeEntry(gs.guilds, guildID, c.ID())
		gs.mu.Unlock()
	}
	for channelID := range m.channels {
		cs := idx.shardFor(channelID)
		cs.mu.Lock()
		removeEntry(cs.channels, channelID, c.ID())
		cs.mu.Unlock()
	}
}

func removeEntry(index map[string]map[string]Conn, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// JoinGuild subscribes a connection to a guild's event stream
func (idx *SessionIndex) JoinGuild(c Conn, guildID string) {
	if !idx.track(c.ID(), guildID, true) {
		return
	}
	s := idx.shardFor(guildID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guilds[guildID] == nil {
		s.guilds[guildID] = make(map[string]Conn)
	}
	s.guilds[guildID][c.ID()] = c
}

// LeaveGuild unsubscribes a connection from a guild's event stream
func (idx *SessionIndex) LeaveGuild(c Conn, guildID string) {
	idx.untrack(c.ID(), guildID, true)
	s := idx.shardFor(guildID)
	s.mu.Lock()
	defer s.mu.Unlock()
	removeEntry(s.guilds, guildID, c.ID())
}

// JoinChannel subscribes a connection to a channel's event stream
func (idx *SessionIndex) JoinChannel(c Conn, channelID string) {
	if !idx.track(c.ID(), channelID, false) {
		return
	}
	s := idx.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[channelID] == nil {
		s.channels[channelID] = make(map[string]Conn)
	}
	s.channels[channelID][c.ID()] = c
}

// LeaveChannel unsubscribes a connection from a channel's event stream
func (idx *SessionIndex) LeaveChannel(c Conn, channelID string) {
	idx.untrack(c.ID(), channelID, false)
	s := idx.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	removeEntry(s.channels, channelID, c.ID())
}

// track records a membership; returns false for unknown (already removed)
// connections so a late join cannot leave a dangling index entry.
func (idx *SessionIndex) track(connID, key string, guild bool) bool {
	idx.memberMu.Lock()
	defer idx.memberMu.Unlock()
	m, ok := idx.members[connID]
	if !ok {
		return false
	}
	if guild {
		m.guilds[key] = struct{}{}
	} else {
		m.channels[key] = struct{}{}
	}
	return true
}

func (idx *SessionIndex) untrack(connID, key string, guild bool) {
	idx.memberMu.Lock()
	defer idx.memberMu.Unlock()
	if m, ok := idx.members[connID]; ok {
		if guild {
			delete(m.guilds, key)
		} else {
			delete(m.channels, key)
		}
	}
}

// ByUser returns the live connections of a user
func (idx *SessionIndex) ByUser(userID string) []Conn {
	s := idx.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.users[userID])
}

// ByGuild returns the live connections subscribed to a guild
func (idx *SessionIndex) ByGuild(guildID string) []Conn {
	s := idx.shardFor(guildID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.guilds[guildID])
}

// ByChannel returns the live connections joined to a channel
func (idx *SessionIndex) ByChannel(channelID string) []Conn {
	s := idx.shardFor(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.channels[channelID])
}

func collect(set map[string]Conn) []Conn {
	if len(set) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

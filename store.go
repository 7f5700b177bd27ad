package snapctrl

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Store is the authoritative, reconciled copy of everything known about one
// server session. It is populated by full Server.GetStatus snapshots and
// patched in place by notifications; commands may additionally apply
// optimistic mutations before the server confirms them.
//
// A Store is safe for concurrent use. Reads never block writes for long:
// every method copies what it returns.
type Store struct {
	logger *slog.Logger

	mu        sync.RWMutex
	srv       Server
	version   string
	hostName  string
	mac       string
	connected bool
	groups    map[string]Group
	clients   map[string]Client
	sources   map[string]Source
}

// NewStore returns an empty, disconnected store.
func NewStore() *Store {
	return &Store{
		logger:  slog.Default(),
		groups:  make(map[string]Group),
		clients: make(map[string]Client),
		sources: make(map[string]Source),
	}
}

// IngestStatus replaces the whole store content from a Server.GetStatus
// result. The swap is atomic from a reader's point of view.
func (s *Store) IngestStatus(raw json.RawMessage) error {
	state, err := parseServerStatus(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]Group, len(state.Groups))
	for _, g := range state.Groups {
		groups[g.ID] = g
	}
	clients := make(map[string]Client, len(state.Clients))
	for _, c := range state.Clients {
		clients[c.ID] = c
	}
	sources := make(map[string]Source, len(state.Sources))
	for _, src := range state.Sources {
		// A snapshot with empty metadata must not wipe metadata we already
		// hold; servers frequently omit it between track changes.
		if old, ok := s.sources[src.ID]; ok && old.HasMetadata() && !src.HasMetadata() {
			src.MetaTitle = old.MetaTitle
			src.MetaArtist = old.MetaArtist
			src.MetaAlbum = old.MetaAlbum
			src.MetaArtURL = old.MetaArtURL
		}
		sources[src.ID] = src
	}

	s.srv = state.Server
	s.version = state.Version
	s.hostName = state.Host
	s.mac = state.MAC
	s.connected = true
	s.groups = groups
	s.clients = clients
	s.sources = sources
	return nil
}

// ApplyNotification routes a server notification to a field-level mutator.
// Unknown methods are ignored. Reports whether the notification changed
// anything.
func (s *Store) ApplyNotification(n *Notification) bool {
	if n == nil {
		return false
	}

	switch n.Method {
	case NotifyClientVolumeChanged:
		var p clientVolumeChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.logger.Warn("bad volume notification params", "err", err)
			return false
		}
		percent, muted := p.volume()
		return s.mutateClient(p.ID, func(c *Client) {
			if percent != nil {
				c.Volume = *percent
			}
			if muted != nil {
				c.Muted = *muted
			}
		})

	case NotifyClientLatencyChanged:
		var p clientLatencyChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		return s.mutateClient(p.ID, func(c *Client) { c.Latency = p.Latency })

	case NotifyClientNameChanged:
		var p clientNameChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		return s.mutateClient(p.ID, func(c *Client) { c.Name = p.Name })

	case NotifyClientConnect, NotifyClientDisconnect:
		var p clientConnectionParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		connected := n.Method == NotifyClientConnect
		id := p.ID
		if id == "" && p.Client != nil {
			id = p.Client.ID
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.clients[id]; ok {
			c.Connected = connected
			s.clients[id] = c
			return true
		}
		if p.Client != nil && connected {
			// A client we have never seen connected; materialize it and let
			// the next snapshot settle its group membership.
			c := p.Client.toClient()
			c.Connected = true
			s.clients[c.ID] = c
			return true
		}
		return false

	case NotifyGroupMute:
		var p groupMuteChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		return s.mutateGroup(p.ID, func(g *Group) { g.Muted = p.Mute })

	case NotifyGroupStreamChanged:
		var p groupStreamChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		return s.mutateGroup(p.ID, func(g *Group) { g.StreamID = p.StreamID })

	case NotifyGroupNameChanged:
		var p groupNameChangedParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		return s.mutateGroup(p.ID, func(g *Group) { g.Name = p.Name })

	case NotifyStreamUpdate:
		var p streamUpdateParams
		if err := json.Unmarshal(n.Params, &p); err != nil || p.Stream == nil {
			return false
		}
		src := p.Stream.toSource()
		if src.ID == "" {
			src.ID = p.ID
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if old, ok := s.sources[src.ID]; ok && old.HasMetadata() && !src.HasMetadata() {
			src.MetaTitle = old.MetaTitle
			src.MetaArtist = old.MetaArtist
			src.MetaAlbum = old.MetaAlbum
			src.MetaArtURL = old.MetaArtURL
		}
		s.sources[src.ID] = src
		return true

	case NotifyStreamProperties:
		var p streamPropertiesParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return false
		}
		raw := p.Metadata
		if len(raw) == 0 {
			raw = p.Properties.Metadata
		}
		if len(raw) == 0 {
			return false
		}
		var meta streamMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return false
		}
		return s.mutateSource(p.ID, func(src *Source) {
			src.MetaTitle = meta.Title
			src.MetaAlbum = meta.Album
			src.MetaArtURL = meta.ArtURL
			src.MetaArtist = joinArtist(meta.Artist)
		})

	case NotifyServerUpdate:
		// Carries the same payload shape as a Server.GetStatus result.
		if err := s.IngestStatus(n.Params); err != nil {
			s.logger.Warn("bad server update payload", "err", err)
			return false
		}
		return true

	default:
		s.logger.Debug("ignoring unknown notification", "method", n.Method)
		return false
	}
}

func (s *Store) mutateClient(id string, fn func(*Client)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return false
	}
	fn(&c)
	c.Volume = ClampVolume(c.Volume)
	s.clients[id] = c
	return true
}

func (s *Store) mutateGroup(id string, fn func(*Group)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return false
	}
	fn(&g)
	s.groups[id] = g
	return true
}

func (s *Store) mutateSource(id string, fn func(*Source)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return false
	}
	fn(&src)
	s.sources[id] = src
	return true
}

// Optimistic mutators, applied locally before the server confirms a command.
// They are never rolled back on RPC failure; the next snapshot or
// notification corrects any divergence.

// SetClientVolume sets a client's volume (clamped) and mute flag.
func (s *Store) SetClientVolume(id string, volume int, muted bool) bool {
	return s.mutateClient(id, func(c *Client) {
		c.Volume = volume
		c.Muted = muted
	})
}

// SetClientMute sets only a client's mute flag.
func (s *Store) SetClientMute(id string, muted bool) bool {
	return s.mutateClient(id, func(c *Client) { c.Muted = muted })
}

// SetClientLatency sets a client's latency offset.
func (s *Store) SetClientLatency(id string, latency int) bool {
	return s.mutateClient(id, func(c *Client) { c.Latency = latency })
}

// SetClientName sets a client's display name.
func (s *Store) SetClientName(id, name string) bool {
	return s.mutateClient(id, func(c *Client) { c.Name = name })
}

// RemoveClient drops a client and its group memberships.
func (s *Store) RemoveClient(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return false
	}
	delete(s.clients, id)
	for gid, g := range s.groups {
		kept := g.ClientIDs[:0]
		for _, cid := range g.ClientIDs {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		g.ClientIDs = kept
		s.groups[gid] = g
	}
	return true
}

// SetGroupMute sets a group's mute flag.
func (s *Store) SetGroupMute(id string, muted bool) bool {
	return s.mutateGroup(id, func(g *Group) { g.Muted = muted })
}

// SetGroupStream assigns a source to a group.
func (s *Store) SetGroupStream(id, streamID string) bool {
	return s.mutateGroup(id, func(g *Group) { g.StreamID = streamID })
}

// SetGroupName sets a group's display name.
func (s *Store) SetGroupName(id, name string) bool {
	return s.mutateGroup(id, func(g *Group) { g.Name = name })
}

// SetSourceMetadata injects now-playing metadata, e.g. from an external
// metadata provider.
func (s *Store) SetSourceMetadata(id, title, artist, album, artURL string) bool {
	return s.mutateSource(id, func(src *Source) {
		src.MetaTitle = title
		src.MetaArtist = artist
		src.MetaAlbum = album
		src.MetaArtURL = artURL
	})
}

// Lookups.

// Connected reports whether a live session backs the store content.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Server returns the server identity of the current session.
func (s *Store) Server() Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srv
}

// Version returns the snapserver version string, if known.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Client returns the client with the given id.
func (s *Store) Client(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// Group returns the group with the given id.
func (s *Store) Group(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// Source returns the source with the given id.
func (s *Store) Source(id string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	return src, ok
}

// Clients returns all clients, sorted by id.
func (s *Store) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Groups returns all groups, sorted by id.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sources returns all sources, sorted by id.
func (s *Store) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupCount returns the number of groups.
func (s *Store) GroupCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// ClientCount returns the number of clients.
func (s *Store) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SourceCount returns the number of sources.
func (s *Store) SourceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources)
}

// ClientsForGroup returns the clients of a group in membership order.
// Ids the client table does not (yet) know are skipped.
func (s *Store) ClientsForGroup(groupID string) []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]Client, 0, len(g.ClientIDs))
	for _, id := range g.ClientIDs {
		if c, ok := s.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// GroupForClient returns the group containing a client.
func (s *Store) GroupForClient(clientID string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		for _, id := range g.ClientIDs {
			if id == clientID {
				return g, true
			}
		}
	}
	return Group{}, false
}

// Snapshot returns a copy of the full state.
func (s *Store) Snapshot() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := ServerState{
		Server:    s.srv,
		Connected: s.connected,
		Version:   s.version,
		Host:      s.hostName,
		MAC:       s.mac,
	}
	for _, g := range s.groups {
		state.Groups = append(state.Groups, g)
	}
	for _, c := range s.clients {
		state.Clients = append(state.Clients, c)
	}
	for _, src := range s.sources {
		state.Sources = append(state.Sources, src)
	}
	sort.Slice(state.Groups, func(i, j int) bool { return state.Groups[i].ID < state.Groups[j].ID })
	sort.Slice(state.Clients, func(i, j int) bool { return state.Clients[i].ID < state.Clients[j].ID })
	sort.Slice(state.Sources, func(i, j int) bool { return state.Sources[i].ID < state.Sources[j].ID })
	return state
}

// MarkDisconnected flips the connectivity flag while keeping entity data,
// for consumers that want to grey out the last known state.
func (s *Store) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// Clear resets the store to an empty, disconnected snapshot. Stale entities
// never survive a dead session; the next snapshot rebuilds everything.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srv = Server{}
	s.version = ""
	s.hostName = ""
	s.mac = ""
	s.connected = false
	s.groups = make(map[string]Group)
	s.clients = make(map[string]Client)
	s.sources = make(map[string]Source)
}

package snapctrl

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SourceStatus is the playback state of an audio source.
type SourceStatus string

// Source playback states.
const (
	SourceIdle    SourceStatus = "idle"
	SourcePlaying SourceStatus = "playing"
	SourceUnknown SourceStatus = "unknown"
)

func sourceStatusFromString(s string) SourceStatus {
	switch s {
	case "idle":
		return SourceIdle
	case "playing":
		return SourcePlaying
	default:
		return SourceUnknown
	}
}

// ClampVolume clamps a volume percentage into [0, 100].
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Client is a Snapcast client (audio endpoint). Volume is always within
// [0, 100]; every construction and mutation path clamps it.
type Client struct {
	ID        string
	Host      string
	Name      string
	MAC       string
	Volume    int
	Muted     bool
	Connected bool
	Latency   int

	Version      string
	LastSeenSec  int64
	LastSeenUsec int64
	HostOS       string
	HostArch     string
	HostName     string
}

// DisplayName returns the configured name, falling back to the host.
func (c Client) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Host
}

// Group is a set of clients sharing one audio source. ClientIDs holds no
// duplicates; StreamID may be empty when no source is assigned.
type Group struct {
	ID        string
	Name      string
	StreamID  string
	Muted     bool
	ClientIDs []string
}

// ClientCount returns the number of clients in the group.
func (g Group) ClientCount() int { return len(g.ClientIDs) }

// IsEmpty reports whether the group has no clients.
func (g Group) IsEmpty() bool { return len(g.ClientIDs) == 0 }

func dedupIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Source is an audio stream available on the server.
type Source struct {
	ID           string
	Name         string
	Status       SourceStatus
	StreamType   string
	Codec        string
	SampleFormat string
	URIScheme    string
	URIRaw       string

	MetaTitle  string
	MetaArtist string
	MetaAlbum  string
	MetaArtURL string
}

// IsPlaying reports whether the source is currently playing.
func (s Source) IsPlaying() bool { return s.Status == SourcePlaying }

// HasMetadata reports whether any now-playing metadata is set.
func (s Source) HasMetadata() bool {
	return s.MetaTitle != "" || s.MetaArtist != "" || s.MetaAlbum != "" || s.MetaArtURL != ""
}

// Server identifies the snapserver a session talks to.
type Server struct {
	Name string
	Host string
	Port int
}

// Address returns host:port.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerState is a complete snapshot of the server at a point in time.
type ServerState struct {
	Server  Server
	Groups  []Group
	Clients []Client
	Sources []Source

	Connected bool
	Version   string
	Host      string
	MAC       string
}

// GroupCount returns the number of groups.
func (s ServerState) GroupCount() int { return len(s.Groups) }

// ClientCount returns the number of clients.
func (s ServerState) ClientCount() int { return len(s.Clients) }

// SourceCount returns the number of sources.
func (s ServerState) SourceCount() int { return len(s.Sources) }

// Client returns the client with the given id.
func (s ServerState) Client(id string) (Client, bool) {
	for _, c := range s.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return Client{}, false
}

// Group returns the group with the given id.
func (s ServerState) Group(id string) (Group, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// Source returns the source with the given id.
func (s ServerState) Source(id string) (Source, bool) {
	for _, src := range s.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return Source{}, false
}

// Wire payloads. Server.GetStatus comes in two shapes: the flat one
// (top-level groups/clients/streams, group members as id strings) and the
// nested one a live snapserver emits (everything under "server", client
// objects embedded in their group). parseServerStatus accepts both.

type statusPayload struct {
	Server  json.RawMessage `json:"server"`
	Groups  []groupPayload  `json:"groups"`
	Clients []clientPayload `json:"clients"`
	Streams []streamPayload `json:"streams"`
}

type nestedServerPayload struct {
	Groups  []groupPayload  `json:"groups"`
	Streams []streamPayload `json:"streams"`
	Server  struct {
		Snapserver struct {
			Version string `json:"version"`
		} `json:"snapserver"`
		Host hostPayload `json:"host"`
	} `json:"server"`
}

type flatServerPayload struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	MAC     string `json:"mac"`
}

type hostPayload struct {
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Name string `json:"name"`
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

type groupPayload struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	StreamID string            `json:"stream_id"`
	Muted    bool              `json:"muted"`
	Clients  []json.RawMessage `json:"clients"`
}

type clientPayload struct {
	ID        string          `json:"id"`
	Host      json.RawMessage `json:"host"`
	Connected *bool           `json:"connected"`
	Config    struct {
		Name    string `json:"name"`
		MAC     string `json:"mac"`
		Latency int    `json:"latency"`
		Volume  struct {
			Percent *int  `json:"percent"`
			Muted   *bool `json:"muted"`
		} `json:"volume"`
		Snapclient struct {
			Version string `json:"version"`
		} `json:"snapclient"`
	} `json:"config"`
	Snapclient struct {
		Version string `json:"version"`
	} `json:"snapclient"`
	LastSeen struct {
		Sec  int64 `json:"sec"`
		Usec int64 `json:"usec"`
	} `json:"lastSeen"`
}

type streamPayload struct {
	ID     string          `json:"id"`
	Status json.RawMessage `json:"status"`
	URI    struct {
		Scheme string            `json:"scheme"`
		Raw    string            `json:"raw"`
		Query  map[string]string `json:"query"`
	} `json:"uri"`
	Properties struct {
		Codec struct {
			Name string `json:"name"`
		} `json:"codec"`
		SampleFormat string          `json:"sampleFormat"`
		Metadata     json.RawMessage `json:"metadata"`
	} `json:"properties"`
}

type streamStatusObject struct {
	Title       string `json:"title"`
	Playback    string `json:"playback"`
	ContentType string `json:"contentType"`
}

type streamMetadata struct {
	Title  string          `json:"title"`
	Artist json.RawMessage `json:"artist"`
	Album  string          `json:"album"`
	ArtURL string          `json:"artUrl"`
}

func (c clientPayload) toClient() Client {
	out := Client{
		ID:           c.ID,
		Name:         c.Config.Name,
		MAC:          c.Config.MAC,
		Volume:       50,
		Connected:    true,
		Latency:      c.Config.Latency,
		Version:      c.Config.Snapclient.Version,
		LastSeenSec:  c.LastSeen.Sec,
		LastSeenUsec: c.LastSeen.Usec,
	}
	if c.Config.Volume.Percent != nil {
		out.Volume = *c.Config.Volume.Percent
	}
	if c.Config.Volume.Muted != nil {
		out.Muted = *c.Config.Volume.Muted
	}
	if c.Connected != nil {
		out.Connected = *c.Connected
	}
	if out.Version == "" {
		out.Version = c.Snapclient.Version
	}

	// Host is a bare address in the flat shape and an object in the nested one.
	if len(c.Host) > 0 {
		var addr string
		if err := json.Unmarshal(c.Host, &addr); err == nil {
			out.Host = addr
		} else {
			var h hostPayload
			if err := json.Unmarshal(c.Host, &h); err == nil {
				out.Host = h.IP
				out.HostName = h.Name
				out.HostOS = h.OS
				out.HostArch = h.Arch
				if out.MAC == "" {
					out.MAC = h.MAC
				}
				if out.Name == "" {
					out.Name = h.Name
				}
			}
		}
	}

	out.Volume = ClampVolume(out.Volume)
	return out
}

func (s streamPayload) toSource() Source {
	out := Source{
		ID:           s.ID,
		Name:         s.URI.Query["name"],
		Status:       SourceUnknown,
		Codec:        s.Properties.Codec.Name,
		SampleFormat: s.Properties.SampleFormat,
		URIScheme:    s.URI.Scheme,
		URIRaw:       s.URI.Raw,
	}
	if out.Codec == "" {
		out.Codec = s.URI.Query["codec"]
	}
	if out.SampleFormat == "" {
		out.SampleFormat = s.URI.Query["sampleformat"]
	}

	if len(s.Status) > 0 {
		var str string
		if err := json.Unmarshal(s.Status, &str); err == nil {
			out.Status = sourceStatusFromString(str)
		} else {
			var obj streamStatusObject
			if err := json.Unmarshal(s.Status, &obj); err == nil {
				out.Status = sourceStatusFromString(obj.Playback)
				out.StreamType = obj.ContentType
				if out.Name == "" {
					out.Name = obj.Title
				}
			}
		}
	}

	if len(s.Properties.Metadata) > 0 {
		var meta streamMetadata
		if err := json.Unmarshal(s.Properties.Metadata, &meta); err == nil {
			out.MetaTitle = meta.Title
			out.MetaAlbum = meta.Album
			out.MetaArtURL = meta.ArtURL
			out.MetaArtist = joinArtist(meta.Artist)
		}
	}

	if out.StreamType == "" {
		if out.Codec != "" {
			out.StreamType = out.Codec
		} else {
			out.StreamType = "unknown"
		}
	}
	if out.Name == "" {
		out.Name = s.ID
	}
	return out
}

// joinArtist flattens the artist field, which may be a string or a list.
func joinArtist(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.Join(many, ", ")
	}
	return ""
}

// parseServerStatus parses a Server.GetStatus result (either shape) into a
// ServerState with Connected set.
func parseServerStatus(raw json.RawMessage) (ServerState, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ServerState{}, fmt.Errorf("parse server status: %w", err)
	}

	state := ServerState{Connected: true}

	groups := p.Groups
	streams := p.Streams
	clients := p.Clients

	if len(groups) == 0 && len(p.Server) > 0 {
		// Probe for the nested live-server shape.
		var nested nestedServerPayload
		if err := json.Unmarshal(p.Server, &nested); err == nil &&
			(len(nested.Groups) > 0 || len(nested.Streams) > 0) {
			groups = nested.Groups
			streams = nested.Streams
			state.Version = nested.Server.Snapserver.Version
			state.Host = nested.Server.Host.Name
			state.MAC = nested.Server.Host.MAC
			host := nested.Server.Host.IP
			if host == "" {
				host = nested.Server.Host.Name
			}
			state.Server = Server{Name: nested.Server.Host.Name, Host: host, Port: DefaultControlPort}
		}
	}

	if state.Server.Host == "" && len(p.Server) > 0 {
		var flat flatServerPayload
		if err := json.Unmarshal(p.Server, &flat); err == nil && flat.Host != "" {
			state.Server = Server{Name: flat.Name, Host: flat.Host, Port: flat.Port}
			if state.Server.Name == "" {
				state.Server.Name = flat.Host
			}
			if state.Server.Port == 0 {
				state.Server.Port = DefaultControlPort
			}
			state.Version = flat.Version
			state.Host = flat.Host
			state.MAC = flat.MAC
		}
	}

	for _, g := range groups {
		group := Group{ID: g.ID, Name: g.Name, StreamID: g.StreamID, Muted: g.Muted}
		for _, member := range g.Clients {
			var id string
			if err := json.Unmarshal(member, &id); err == nil {
				group.ClientIDs = append(group.ClientIDs, id)
				continue
			}
			var cp clientPayload
			if err := json.Unmarshal(member, &cp); err == nil && cp.ID != "" {
				group.ClientIDs = append(group.ClientIDs, cp.ID)
				clients = append(clients, cp)
			}
		}
		group.ClientIDs = dedupIDs(group.ClientIDs)
		state.Groups = append(state.Groups, group)
	}

	for _, cp := range clients {
		state.Clients = append(state.Clients, cp.toClient())
	}
	for _, sp := range streams {
		state.Sources = append(state.Sources, sp.toSource())
	}

	return state, nil
}

// Notification params. Volume arrives either as a bare percentage or as a
// {percent, muted} object depending on the sender.

type clientVolumeChangedParams struct {
	ID     string          `json:"id"`
	Volume json.RawMessage `json:"volume"`
}

func (p clientVolumeChangedParams) volume() (percent *int, muted *bool) {
	if len(p.Volume) == 0 {
		return nil, nil
	}
	var flat int
	if err := json.Unmarshal(p.Volume, &flat); err == nil {
		flat = ClampVolume(flat)
		return &flat, nil
	}
	var obj clientVolume
	if err := json.Unmarshal(p.Volume, &obj); err == nil {
		if obj.Percent != nil {
			clamped := ClampVolume(*obj.Percent)
			obj.Percent = &clamped
		}
		return obj.Percent, obj.Muted
	}
	return nil, nil
}

type clientLatencyChangedParams struct {
	ID      string `json:"id"`
	Latency int    `json:"latency"`
}

type clientNameChangedParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type clientConnectionParams struct {
	ID     string         `json:"id"`
	Client *clientPayload `json:"client"`
}

type groupMuteChangedParams struct {
	ID   string `json:"id"`
	Mute bool   `json:"mute"`
}

type groupStreamChangedParams struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
}

type groupNameChangedParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type streamUpdateParams struct {
	ID     string         `json:"id"`
	Stream *streamPayload `json:"stream"`
}

type streamPropertiesParams struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata"`
	Properties struct {
		Metadata json.RawMessage `json:"metadata"`
	} `json:"properties"`
}

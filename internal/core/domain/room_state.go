package domain

import (
	"sort"
	"strings"
)

// RoomState is the authoritative model of one room: terminals, streams and
// views. It holds no lock; the room controller serializes access.
type RoomState struct {
	RoomID string

	terminals map[string]*Terminal
	streams   map[string]*Stream
	views     map[string]*View
	viewOrder []string

	ActiveAudio *ActiveAudio
}

// NewRoomState creates an empty registry for roomID.
func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		RoomID:    roomID,
		terminals: make(map[string]*Terminal),
		streams:   make(map[string]*Stream),
		views:     make(map[string]*View),
	}
}

// Terminal returns the terminal record by id.
func (r *RoomState) Terminal(id string) (*Terminal, bool) {
	t, ok := r.terminals[id]
	return t, ok
}

// Stream returns the stream record by id.
func (r *RoomState) Stream(id string) (*Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

// Terminals returns every terminal ordered by id.
func (r *RoomState) Terminals() []*Terminal {
	out := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Streams returns every stream ordered by id.
func (r *RoomState) Streams() []*Stream {
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddTerminal registers t.
func (r *RoomState) AddTerminal(t *Terminal) error {
	if _, ok := r.terminals[t.ID]; ok {
		return ErrTerminalExists
	}
	r.terminals[t.ID] = t
	return nil
}

// RemoveTerminal drops the terminal record. Streams it still publishes are
// removed with it so no stream points at a missing owner.
func (r *RoomState) RemoveTerminal(id string) (*Terminal, bool) {
	t, ok := r.terminals[id]
	if !ok {
		return nil, false
	}
	for _, sid := range append([]string(nil), t.Published...) {
		if s, ok := r.streams[sid]; ok && s.Owner == id {
			r.RemoveStream(sid)
		}
	}
	delete(r.terminals, id)
	return t, true
}

// IsFree reports whether the terminal exists and neither publishes nor subscribes.
func (r *RoomState) IsFree(id string) bool {
	t, ok := r.terminals[id]
	return ok && t.IsFree()
}

// IsParticipant reports whether the terminal exists and is participant facing.
func (r *RoomState) IsParticipant(id string) bool {
	t, ok := r.terminals[id]
	return ok && t.Kind.IsParticipantFacing()
}

// NodeOf returns the node hosting the terminal.
func (r *RoomState) NodeOf(terminalID string) (string, bool) {
	t, ok := r.terminals[terminalID]
	if !ok {
		return "", false
	}
	return t.Locality.Node, true
}

// OriginNode returns the node hosting the owner of a stream.
func (r *RoomState) OriginNode(streamID string) (string, bool) {
	s, ok := r.streams[streamID]
	if !ok {
		return "", false
	}
	return r.NodeOf(s.Owner)
}

// AddStream registers s under its owner. The owner must exist.
func (r *RoomState) AddStream(s *Stream) error {
	if _, ok := r.streams[s.ID]; ok {
		return ErrStreamExists
	}
	owner, ok := r.terminals[s.Owner]
	if !ok {
		return ErrOwnerMissing
	}
	if s.Spread == nil {
		s.Spread = []*SpreadEntry{}
	}
	r.streams[s.ID] = s
	if s.SimulcastOf == "" && !owner.Publishes(s.ID) {
		owner.Published = append(owner.Published, s.ID)
	}
	return nil
}

// RemoveStream deletes the stream, detaches it from its owner's published
// list and drops records derived from its simulcast layers.
func (r *RoomState) RemoveStream(id string) (*Stream, bool) {
	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	delete(r.streams, id)
	if owner, ok := r.terminals[s.Owner]; ok {
		owner.Published, _ = remove(owner.Published, id)
	}
	if s.Video != nil {
		for _, layer := range s.Video.Simulcast {
			if d, ok := r.streams[layer.StreamID]; ok && d.SimulcastOf == id {
				delete(r.streams, layer.StreamID)
			}
		}
	}
	return s, true
}

// AddSubscriber appends terminalID to the subscribers of media m. It is a
// no-op when already present or when the track is missing.
func (r *RoomState) AddSubscriber(streamID string, m Media, terminalID string) bool {
	s, ok := r.streams[streamID]
	if !ok {
		return false
	}
	switch {
	case m == MediaAudio && s.Audio != nil:
		if indexOf(s.Audio.Subscribers, terminalID) < 0 {
			s.Audio.Subscribers = append(s.Audio.Subscribers, terminalID)
		}
		return true
	case m == MediaVideo && s.Video != nil:
		if indexOf(s.Video.Subscribers, terminalID) < 0 {
			s.Video.Subscribers = append(s.Video.Subscribers, terminalID)
		}
		return true
	}
	return false
}

// RemoveSubscriber drops terminalID from the subscribers of media m and
// reports whether it was present.
func (r *RoomState) RemoveSubscriber(streamID string, m Media, terminalID string) bool {
	s, ok := r.streams[streamID]
	if !ok {
		return false
	}
	var removed bool
	switch {
	case m == MediaAudio && s.Audio != nil:
		s.Audio.Subscribers, removed = remove(s.Audio.Subscribers, terminalID)
	case m == MediaVideo && s.Video != nil:
		s.Video.Subscribers, removed = remove(s.Video.Subscribers, terminalID)
	}
	return removed
}

// SpreadInUse reports whether any subscriber of the stream is hosted on node.
// Data consumers are found through their subscription records.
func (r *RoomState) SpreadInUse(streamID, node string) bool {
	s, ok := r.streams[streamID]
	if !ok {
		return false
	}
	for _, m := range []Media{MediaAudio, MediaVideo} {
		for _, tid := range s.Subscribers(m) {
			if t, ok := r.terminals[tid]; ok && t.Locality.Node == node {
				return true
			}
		}
	}
	if !s.Data {
		return false
	}
	for _, t := range r.terminals {
		if t.Locality.Node != node {
			continue
		}
		for _, sub := range t.Subscribed {
			if sub.Data == streamID {
				return true
			}
		}
	}
	return false
}

// SetSpread creates or updates the spread entry of a stream towards target.
func (r *RoomState) SetSpread(streamID, target string, status SpreadStatus) bool {
	s, ok := r.streams[streamID]
	if !ok {
		return false
	}
	if e := s.SpreadTo(target); e != nil {
		e.Status = status
		return true
	}
	s.Spread = append(s.Spread, &SpreadEntry{Target: target, Status: status})
	return true
}

// RemoveSpread drops the spread entry towards target and reports whether it existed.
func (r *RoomState) RemoveSpread(streamID, target string) bool {
	s, ok := r.streams[streamID]
	if !ok {
		return false
	}
	for i, e := range s.Spread {
		if e.Target == target {
			s.Spread = append(s.Spread[:i], s.Spread[i+1:]...)
			return true
		}
	}
	return false
}

// AddView registers a view. Views keep their registration order.
func (r *RoomState) AddView(v *View) {
	if _, ok := r.views[v.Label]; !ok {
		r.viewOrder = append(r.viewOrder, v.Label)
	}
	r.views[v.Label] = v
}

// RemoveView drops a view.
func (r *RoomState) RemoveView(label string) {
	if _, ok := r.views[label]; !ok {
		return
	}
	delete(r.views, label)
	r.viewOrder, _ = remove(r.viewOrder, label)
}

// View returns the view by label.
func (r *RoomState) View(label string) (*View, bool) {
	v, ok := r.views[label]
	return v, ok
}

// Views returns views in registration order.
func (r *RoomState) Views() []*View {
	out := make([]*View, 0, len(r.viewOrder))
	for _, label := range r.viewOrder {
		out = append(out, r.views[label])
	}
	return out
}

// ViewOfMixer returns the view whose audio or video mixer is terminalID.
func (r *RoomState) ViewOfMixer(terminalID string) (*View, bool) {
	for _, label := range r.viewOrder {
		v := r.views[label]
		if v.AudioMixer == terminalID || v.VideoMixer == terminalID {
			return v, true
		}
	}
	return nil, false
}

// MixStreamID returns the externally visible mixed stream id of a view.
func (r *RoomState) MixStreamID(label string) (string, bool) {
	if _, ok := r.views[label]; !ok {
		return "", false
	}
	return r.RoomID + "-" + label, true
}

// ViewOfMixStream is the inverse of MixStreamID.
func (r *RoomState) ViewOfMixStream(streamID string) (string, bool) {
	prefix := r.RoomID + "-"
	if !strings.HasPrefix(streamID, prefix) {
		return "", false
	}
	label := strings.TrimPrefix(streamID, prefix)
	if _, ok := r.views[label]; !ok {
		return "", false
	}
	return label, true
}

// ImpactedTerminals lists terminals whose locality is affected by a fault, ordered by id.
func (r *RoomState) ImpactedTerminals(scope FaultScope, id string) []*Terminal {
	var out []*Terminal
	for _, t := range r.Terminals() {
		if t.Locality.Impacted(scope, id) {
			out = append(out, t)
		}
	}
	return out
}

// ParticipantAudioStream maps a stream to an audio stream published by the
// same participant. Publication terminals are named "<participant>-pub-<stream>".
func (r *RoomState) ParticipantAudioStream(streamID string) (string, bool) {
	s, ok := r.streams[streamID]
	if !ok {
		return "", false
	}
	participant, _, _ := strings.Cut(s.Owner, PublicationInfix)
	for _, cand := range r.Streams() {
		if cand.Audio == nil {
			continue
		}
		if p, _, found := strings.Cut(cand.Owner, PublicationInfix); found && p == participant {
			return cand.ID, true
		}
	}
	return "", false
}

// StreamByInputID finds the stream carrying a static input id.
func (r *RoomState) StreamByInputID(inputID string) (*Stream, bool) {
	if inputID == "" {
		return nil, false
	}
	for _, s := range r.Streams() {
		if s.InputID == inputID {
			return s, true
		}
	}
	return nil, false
}

// Clear drops every record.
func (r *RoomState) Clear() {
	r.terminals = make(map[string]*Terminal)
	r.streams = make(map[string]*Stream)
	r.views = make(map[string]*View)
	r.viewOrder = nil
	r.ActiveAudio = nil
}

// Counts returns the number of terminals by kind, streams and connected spreads.
func (r *RoomState) Counts() RoomCounts {
	c := RoomCounts{Terminals: make(map[TerminalKind]int)}
	for _, t := range r.terminals {
		c.Terminals[t.Kind]++
	}
	c.Streams = len(r.streams)
	for _, s := range r.streams {
		for _, e := range s.Spread {
			if e.Status == SpreadConnected {
				c.Spreads++
			}
		}
	}
	return c
}

// Snapshot returns a deep copy suitable for serialization.
func (r *RoomState) Snapshot() RoomSnapshot {
	snap := RoomSnapshot{
		RoomID:    r.RoomID,
		Terminals: make([]*Terminal, 0, len(r.terminals)),
		Streams:   make([]*Stream, 0, len(r.streams)),
		Views:     make([]*View, 0, len(r.viewOrder)),
	}
	for _, t := range r.Terminals() {
		snap.Terminals = append(snap.Terminals, t.clone())
	}
	for _, s := range r.Streams() {
		snap.Streams = append(snap.Streams, s.clone())
	}
	for _, v := range r.Views() {
		snap.Views = append(snap.Views, v.clone())
	}
	if r.ActiveAudio != nil {
		aa := *r.ActiveAudio
		aa.Streams = append([]string(nil), r.ActiveAudio.Streams...)
		snap.ActiveAudio = &aa
	}
	return snap
}

// RoomSnapshot is a point-in-time copy of a room's registry.
type RoomSnapshot struct {
	RoomID      string       `json:"room"`
	Terminals   []*Terminal  `json:"terminals"`
	Streams     []*Stream    `json:"streams"`
	Views       []*View      `json:"views"`
	ActiveAudio *ActiveAudio `json:"activeAudio,omitempty"`
}

// RoomCounts summarizes a room for metrics.
type RoomCounts struct {
	Terminals map[TerminalKind]int
	Streams   int
	Spreads   int
}

// StreamsOwnedBy returns the streams published by terminalID in publication order.
func (r *RoomState) StreamsOwnedBy(terminalID string) []*Stream {
	t, ok := r.terminals[terminalID]
	if !ok {
		return nil
	}
	out := make([]*Stream, 0, len(t.Published))
	for _, id := range t.Published {
		if s, ok := r.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

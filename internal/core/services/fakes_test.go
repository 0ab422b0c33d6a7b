package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
)

var errNodeDown = errors.New("node down")

type rpcCall struct {
	Method string
	Node   string
	ID     string
}

// fakeCluster is an in-memory media cluster. It records every call and lets
// tests inject failures and block calls.
type fakeCluster struct {
	mu      sync.Mutex
	calls   []rpcCall
	fail    map[string]error
	gates   map[string]chan struct{}
	entered chan string
	outputs map[string]string
	seq     int
	visible []string
	init    ports.InitResult
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		fail:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 64),
		outputs: make(map[string]string),
		init: ports.InitResult{
			AudioCodecs: []string{"opus_48000_2", "pcmu"},
			VideoCodecs: domain.VideoCodecs{
				Encode: []string{"h264_CB", "vp8"},
				Decode: []string{"h264", "vp8", "vp9"},
			},
			Resolutions: []format.Resolution{{Width: 1280, Height: 720}, {Width: 640, Height: 360}},
		},
	}
}

// failOn makes method fail, on every node or only on node when given.
func (f *fakeCluster) failOn(method, node string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key(method, node)] = err
}

func (f *fakeCluster) heal(method, node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, key(method, node))
}

// gate blocks method on every node until the returned channel is closed.
func (f *fakeCluster) gate(method string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[method] = ch
	return ch
}

func (f *fakeCluster) setVisible(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = ids
}

func key(method, node string) string {
	if node == "" {
		return method
	}
	return method + "@" + node
}

func (f *fakeCluster) record(method, node, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, rpcCall{Method: method, Node: node, ID: id})
	gate := f.gates[method]
	err := f.fail[key(method, node)]
	if err == nil {
		err = f.fail[method]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case f.entered <- method:
		default:
		}
		<-gate
	}
	return err
}

func (f *fakeCluster) count(method, node string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && (node == "" || c.Node == node) {
			n++
		}
	}
	return n
}

func (f *fakeCluster) called(method, node, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Method == method && c.Node == node && c.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeCluster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeCluster) Init(ctx context.Context, node string, req ports.InitRequest) (ports.InitResult, error) {
	if err := f.record("init", node, req.Service); err != nil {
		return ports.InitResult{}, err
	}
	return f.init, nil
}

func (f *fakeCluster) Deinit(ctx context.Context, node, terminalID string) error {
	return f.record("deinit", node, terminalID)
}

// GenerateAudio hands out one output per node, owner and format, as mixers do.
func (f *fakeCluster) GenerateAudio(ctx context.Context, node, forWhom, audioFormat string) (string, error) {
	if err := f.record("generate", node, audioFormat); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := node + "/" + forWhom + "/" + audioFormat
	if id, ok := f.outputs[k]; ok {
		return id, nil
	}
	f.seq++
	id := fmt.Sprintf("out-%d", f.seq)
	f.outputs[k] = id
	return id, nil
}

func (f *fakeCluster) GenerateVideo(ctx context.Context, node, videoFormat string, params format.VideoParams) (ports.GeneratedVideo, error) {
	if err := f.record("generate", node, videoFormat); err != nil {
		return ports.GeneratedVideo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return ports.GeneratedVideo{ID: fmt.Sprintf("out-%d", f.seq), VideoParams: params}, nil
}

func (f *fakeCluster) Degenerate(ctx context.Context, node, streamID string) error {
	return f.record("degenerate", node, streamID)
}

func (f *fakeCluster) Publish(ctx context.Context, node, streamID string, opts ports.InternalPublishOptions) error {
	return f.record("publish", node, streamID)
}

func (f *fakeCluster) Unpublish(ctx context.Context, node, streamID string) error {
	return f.record("unpublish", node, streamID)
}

func (f *fakeCluster) Subscribe(ctx context.Context, node, connID string, opts ports.InternalSubscribeOptions) error {
	return f.record("subscribe", node, connID)
}

func (f *fakeCluster) Unsubscribe(ctx context.Context, node, connID string) error {
	return f.record("unsubscribe", node, connID)
}

func (f *fakeCluster) Linkup(ctx context.Context, node, connID string, src ports.LinkSources) error {
	return f.record("linkup", node, connID+"="+src.Audio+"|"+src.Video+"|"+src.Data)
}

func (f *fakeCluster) Cutoff(ctx context.Context, node, connID string) error {
	return f.record("cutoff", node, connID)
}

func (f *fakeCluster) CreateInternalConnection(ctx context.Context, node, id string, dir ports.Direction, opts ports.InternalConnOptions) (ports.Address, error) {
	if err := f.record("createInternalConnection", node, id); err != nil {
		return ports.Address{}, err
	}
	return ports.Address{IP: "10.0.0.1", Port: 30000}, nil
}

func (f *fakeCluster) DestroyInternalConnection(ctx context.Context, node, id string, dir ports.Direction) error {
	return f.record("destroyInternalConnection", node, id)
}

func (f *fakeCluster) SetInputActive(ctx context.Context, node, streamID string, active bool) error {
	return f.record("setInputActive", node, fmt.Sprintf("%s=%t", streamID, active))
}

func (f *fakeCluster) SetInputsActiveOnly(ctx context.Context, node string, streamIDs []string) error {
	return f.record("setInputsActiveOnly", node, fmt.Sprint(streamIDs))
}

func (f *fakeCluster) GetVisibleStreams(ctx context.Context, node string) ([]string, error) {
	if err := f.record("getVisibleStreams", node, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.visible...), nil
}

func (f *fakeCluster) GetRegion(ctx context.Context, node, streamID string) (string, error) {
	if err := f.record("getRegion", node, streamID); err != nil {
		return "", err
	}
	return "1", nil
}

func (f *fakeCluster) SetRegion(ctx context.Context, node, streamID, regionID string) error {
	return f.record("setRegion", node, streamID+"="+regionID)
}

func (f *fakeCluster) SetLayout(ctx context.Context, node string, layout json.RawMessage) (json.RawMessage, error) {
	if err := f.record("setLayout", node, ""); err != nil {
		return nil, err
	}
	return layout, nil
}

func (f *fakeCluster) SetScene(ctx context.Context, node string, scene json.RawMessage) error {
	return f.record("setScene", node, "")
}

func (f *fakeCluster) SetPrimary(ctx context.Context, node, streamID string) error {
	return f.record("setPrimary", node, streamID)
}

func (f *fakeCluster) DrawText(ctx context.Context, node string, text json.RawMessage, duration int) error {
	return f.record("drawText", node, string(text))
}

func (f *fakeCluster) ForceKeyFrame(ctx context.Context, node, streamID string) error {
	return f.record("forceKeyFrame", node, streamID)
}

func (f *fakeCluster) EnableVAD(ctx context.Context, node string, periodMS int) error {
	return f.record("enableVAD", node, fmt.Sprint(periodMS))
}

func (f *fakeCluster) ResetVAD(ctx context.Context, node string) error {
	return f.record("resetVAD", node, "")
}

func (f *fakeCluster) DropStaticParticipant(ctx context.Context, node, id string) error {
	return f.record("dropStaticParticipant", node, id)
}

func (f *fakeCluster) UpdateStaticParticipant(ctx context.Context, node, id string, update json.RawMessage) error {
	return f.record("updateStaticParticipant", node, id)
}

// fakeScheduler hands out nodes named after the purpose and a sequence number.
type fakeScheduler struct {
	mu       sync.Mutex
	seq      int
	released []string
	fail     error
}

func (s *fakeScheduler) AcquireNode(ctx context.Context, cluster string, purpose domain.Purpose, task ports.Task, pref domain.Preference) (domain.Locality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return domain.Locality{}, s.fail
	}
	s.seq++
	return domain.Locality{Agent: string(purpose) + "-agent", Node: fmt.Sprintf("%s-%d", purpose, s.seq)}, nil
}

func (s *fakeScheduler) ReleaseNode(ctx context.Context, loc domain.Locality, task ports.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, loc.Node)
	return nil
}

func (s *fakeScheduler) releasedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

// recordingEvents keeps published events in order.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.RoomEvent
}

func (r *recordingEvents) Publish(ctx context.Context, ev domain.RoomEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) AcquireNode(ctx context.Context, cluster string, purpose domain.Purpose, task ports.Task, pref domain.Preference) (domain.Locality, error) {
	args := m.Called(ctx, cluster, purpose, task, pref)
	return args.Get(0).(domain.Locality), args.Error(1)
}

func (m *MockScheduler) ReleaseNode(ctx context.Context, loc domain.Locality, task ports.Task) error {
	args := m.Called(ctx, loc, task)
	return args.Error(0)
}

type MockRoomConfigRepository struct {
	mock.Mock
}

func (m *MockRoomConfigRepository) Get(ctx context.Context, roomID string) (*domain.RoomConfig, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomConfig), args.Error(1)
}

func (m *MockRoomConfigRepository) Save(ctx context.Context, cfg *domain.RoomConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockRoomConfigRepository) Delete(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockRoomConfigRepository) List(ctx context.Context) ([]*domain.RoomConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RoomConfig), args.Error(1)
}

type MockRoomOwnership struct {
	mock.Mock
}

func (m *MockRoomOwnership) Claim(ctx context.Context, roomID string) (bool, error) {
	args := m.Called(ctx, roomID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRoomOwnership) Owner(ctx context.Context, roomID string) (string, error) {
	args := m.Called(ctx, roomID)
	return args.String(0), args.Error(1)
}

func (m *MockRoomOwnership) Release(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

type testRoom struct {
	ctrl    *roomController
	cluster *fakeCluster
	sched   *fakeScheduler
	events  *recordingEvents
}

func plainRoom() *domain.RoomConfig {
	return &domain.RoomConfig{ID: "room1", Name: "plain"}
}

func mixRoom() *domain.RoomConfig {
	return &domain.RoomConfig{
		ID:   "room1",
		Name: "mixed",
		Views: []domain.ViewConfig{{
			Label: "common",
			Audio: &domain.AudioMixConfig{Format: format.AudioFormat{Codec: "opus", SampleRate: 48000, ChannelNum: 2}, VAD: true},
			Video: &domain.VideoMixConfig{
				Format:     format.VideoFormat{Codec: "h264", Profile: "CB"},
				Parameters: format.VideoParams{Resolution: format.Resolution{Width: 1280, Height: 720}, Framerate: 24},
				MaxInput:   16,
			},
		}},
		StaticParticipants: []domain.StaticParticipant{{ID: "guest", Name: "Guest"}},
	}
}

func newTestRoom(t *testing.T, room *domain.RoomConfig) *testRoom {
	t.Helper()
	tr := newUninitializedRoom(t, room)
	require.NoError(t, tr.ctrl.initialize(context.Background()))
	tr.cluster.reset()
	return tr
}

func newUninitializedRoom(t *testing.T, room *domain.RoomConfig) *testRoom {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cluster := newFakeCluster()
	sched := &fakeScheduler{}
	events := &recordingEvents{}
	ctrl := newRoomController(
		RoomControllerConfig{ControllerID: "ctrl-1", InternalConnProtocol: "tcp"},
		room,
		RoomDependencies{
			Node:      cluster,
			Allocator: NewNodeAllocator(sched, "media", logger),
			Events:    events,
			Logger:    logger,
		},
	)
	return &testRoom{ctrl: ctrl, cluster: cluster, sched: sched, events: events}
}

func at(node string) domain.Locality {
	return domain.Locality{Agent: node + "-agent", Node: node}
}

func opus() format.AudioFormat {
	return format.AudioFormat{Codec: "opus", SampleRate: 48000, ChannelNum: 2}
}

func avPublication() domain.PublishInfo {
	a := opus()
	return domain.PublishInfo{
		Type:  domain.KindWebRTC,
		Audio: &a,
		Video: &domain.PublishVideo{
			Format:     format.VideoFormat{Codec: "vp8"},
			Parameters: format.VideoParams{Resolution: format.Resolution{Width: 640, Height: 480}, Framerate: 30},
		},
	}
}

func (tr *testRoom) publish(t *testing.T, participant, stream, node string) {
	t.Helper()
	require.NoError(t, tr.ctrl.Publish(context.Background(), participant, stream, at(node), avPublication()))
}

// subscribeAV asks for both tracks of from in their original formats.
func (tr *testRoom) subscribeAV(t *testing.T, participant, subID, node, from string) {
	t.Helper()
	info := domain.SubscribeInfo{
		Type:  domain.KindWebRTC,
		Audio: &domain.SubscribeAudio{From: from},
		Video: &domain.SubscribeVideo{From: from},
	}
	require.NoError(t, tr.ctrl.Subscribe(context.Background(), participant, subID, at(node), info))
}

func (tr *testRoom) stream(id string) (*domain.Stream, bool) {
	for _, s := range tr.ctrl.Snapshot().Streams {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

func (tr *testRoom) terminal(id string) (*domain.Terminal, bool) {
	for _, term := range tr.ctrl.Snapshot().Terminals {
		if term.ID == id {
			return term, true
		}
	}
	return nil, false
}

func (tr *testRoom) terminalsOfKind(kind domain.TerminalKind) []*domain.Terminal {
	var out []*domain.Terminal
	for _, term := range tr.ctrl.Snapshot().Terminals {
		if term.Kind == kind {
			out = append(out, term)
		}
	}
	return out
}

package app

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// stubRelay is a synchronous in-test relay: Append notifies every subscriber
// on the caller's goroutine, which makes two sessions talking through it
// fully deterministic.
type stubRelay struct {
	mu      sync.Mutex
	token   int64
	msgs    map[domain.CallID][]domain.HandshakeMessage
	subs    map[domain.CallID][]*stubSub
	failMap map[domain.CallID]int // remaining Append failures per call
	appends int
	err     error
	subErr  error
}

type stubSub struct {
	fn        func(msgs []domain.HandshakeMessage)
	cancelled bool
}

func newStubRelay() *stubRelay {
	return &stubRelay{
		msgs:    make(map[domain.CallID][]domain.HandshakeMessage),
		subs:    make(map[domain.CallID][]*stubSub),
		failMap: make(map[domain.CallID]int),
	}
}

func (r *stubRelay) failNext(callID domain.CallID, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failMap[callID] = n
	r.err = err
}

func (r *stubRelay) Append(ctx context.Context, callID domain.CallID, msg *domain.HandshakeMessage) error {
	r.mu.Lock()
	r.appends++
	if n := r.failMap[callID]; n > 0 {
		r.failMap[callID] = n - 1
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.token++
	stored := *msg
	stored.Timestamp = r.token
	r.msgs[callID] = append(r.msgs[callID], stored)
	snap := r.snapshot(callID)
	subs := append([]*stubSub(nil), r.subs[callID]...)
	r.mu.Unlock()

	for _, s := range subs {
		if !s.cancelled {
			s.fn(snap)
		}
	}
	return nil
}

func (r *stubRelay) History(ctx context.Context, callID domain.CallID) ([]domain.HandshakeMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(callID), nil
}

func (r *stubRelay) Subscribe(ctx context.Context, callID domain.CallID, fn func(msgs []domain.HandshakeMessage), onErr func(err error)) (func(), error) {
	if r.subErr != nil {
		return nil, r.subErr
	}
	r.mu.Lock()
	sub := &stubSub{fn: fn}
	r.subs[callID] = append(r.subs[callID], sub)
	snap := r.snapshot(callID)
	r.mu.Unlock()

	if len(snap) > 0 {
		fn(snap)
	}
	return func() { sub.cancelled = true }, nil
}

func (r *stubRelay) snapshot(callID domain.CallID) []domain.HandshakeMessage {
	out := append([]domain.HandshakeMessage(nil), r.msgs[callID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// kinds of one call's stored messages, in order.
func (r *stubRelay) kinds(callID domain.CallID) []domain.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MessageKind
	for _, m := range r.snapshot(callID) {
		out = append(out, m.Kind)
	}
	return out
}

func (r *stubRelay) countKind(callID domain.CallID, kind domain.MessageKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs[callID] {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type appliedDesc struct {
	kind domain.MessageKind
	sdp  string
}

// fakeMedia is a scriptable core.MediaConnection.
type fakeMedia struct {
	mu sync.Mutex

	attached    int
	offers      int
	answers     int
	restarts    int
	localDescs  []appliedDesc
	remoteDescs []appliedDesc
	candidates  []domain.CandidatePayload
	closed      int
	unstable    bool

	offerErr  error
	answerErr error
	remoteErr error

	onRemote func(track *webrtc.TrackRemote)
	onConn   func(s webrtc.ICEConnectionState)
	onPeer   func(s webrtc.PeerConnectionState)
}

func newFakeMedia() *fakeMedia { return &fakeMedia{} }

func (f *fakeMedia) Start(ctx context.Context) error { return nil }

func (f *fakeMedia) AttachLocalMedia(media core.LocalMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached++
	return nil
}

func (f *fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.offers++
	return "offer-sdp", nil
}

func (f *fakeMedia) CreateAnswer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return "", f.answerErr
	}
	f.answers++
	return "answer-sdp", nil
}

func (f *fakeMedia) ApplyLocalDescription(ctx context.Context, kind domain.MessageKind, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDescs = append(f.localDescs, appliedDesc{kind, sdp})
	return nil
}

func (f *fakeMedia) ApplyRemoteDescription(ctx context.Context, kind domain.MessageKind, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remoteDescs = append(f.remoteDescs, appliedDesc{kind, sdp})
	return nil
}

func (f *fakeMedia) AddRemoteCandidate(c domain.CandidatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeMedia) RestartNegotiation(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return "restart-offer-sdp", nil
}

func (f *fakeMedia) SignalingStable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unstable
}

func (f *fakeMedia) OnRemoteMedia(fn func(track *webrtc.TrackRemote)) { f.onRemote = fn }

func (f *fakeMedia) OnConnectivityStateChange(fn func(s webrtc.ICEConnectionState)) { f.onConn = fn }

func (f *fakeMedia) OnSessionStateChange(fn func(s webrtc.PeerConnectionState)) { f.onPeer = fn }

func (f *fakeMedia) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeMedia) fireConnectivity(s webrtc.ICEConnectionState) {
	if f.onConn != nil {
		f.onConn(s)
	}
}

func (f *fakeMedia) fireRemoteMedia() {
	if f.onRemote != nil {
		f.onRemote(nil)
	}
}

func (f *fakeMedia) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteDescs)
}

// fakeLocalMedia counts Stop calls.
type fakeLocalMedia struct {
	mu      sync.Mutex
	stopped int
}

func (f *fakeLocalMedia) Track() webrtc.TrackLocal { return nil }

func (f *fakeLocalMedia) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeLocalMedia) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

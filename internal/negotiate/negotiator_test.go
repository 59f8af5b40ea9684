package negotiate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/quality"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/relaycred"
	"github.com/dowhatkennydoes/distancedoc-sub001/internal/signaling"
)

type fakeSender struct {
	mu      sync.Mutex
	applied []quality.ConstraintProfile
	err     error
}

func (s *fakeSender) ApplyConstraints(p quality.ConstraintProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.applied = append(s.applied, p)
	return nil
}

func (s *fakeSender) Constraints() quality.ConstraintProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return quality.Constraints(quality.Unknown)
	}
	return s.applied[len(s.applied)-1]
}

type fakeTransport struct {
	mu sync.Mutex

	offerSDP  string
	answerSDP string

	acceptedOffers  []string
	acceptedAnswers []string
	candidates      []webrtc.ICECandidateInit
	closed          bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(TransportState)
	senders     []MediaSender
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{offerSDP: "v=0 fake-offer", answerSDP: "v=0 fake-answer"}
}

func (f *fakeTransport) CreateOffer() (string, error) { return f.offerSDP, nil }

func (f *fakeTransport) AcceptOffer(sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptedOffers = append(f.acceptedOffers, sdp)
	return f.answerSDP, nil
}

func (f *fakeTransport) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptedAnswers = append(f.acceptedAnswers, sdp)
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(TransportState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (f *fakeTransport) Senders() []MediaSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders
}

func (f *fakeTransport) GetStats() webrtc.StatsReport { return webrtc.StatsReport{} }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireState(s TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (ff *fakeFactory) new([]webrtc.ICEServer) (Transport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	t := newFakeTransport()
	ff.created = append(ff.created, t)
	return t, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) at(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[i]
}

type fixture struct {
	sess    *domain.Session
	remote  *domain.Session
	channel *signaling.MemoryChannel
	factory *fakeFactory
	neg     *Negotiator
}

func newFixture(t *testing.T, role domain.Role) *fixture {
	t.Helper()
	sess, err := domain.NewSession("consult-1", "alice", "bob", role)
	if err != nil {
		t.Fatal(err)
	}
	remote := &domain.Session{
		ID:           sess.ID,
		Consultation: sess.Consultation,
		Local:        sess.Remote,
		Remote:       sess.Local,
	}
	channel := signaling.NewMemoryChannel()
	t.Cleanup(channel.Close)

	provider := relaycred.NewProvider(relaycred.Options{StunURLs: []string{"stun:stun.example.org"}})
	factory := &fakeFactory{}
	neg := NewNegotiator(sess, provider, channel, factory.new, Options{HandshakeTimeout: 5 * time.Second})
	return &fixture{sess: sess, remote: remote, channel: channel, factory: factory, neg: neg}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// collect drains negotiator events into a slice for assertions.
func collect(neg *Negotiator) (func() []Event, func()) {
	var mu sync.Mutex
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range neg.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	snapshot := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
	wait := func() { <-done }
	return snapshot, wait
}

func recorded(t *testing.T, ch *signaling.MemoryChannel, sess *domain.Session) func() []signaling.Message {
	t.Helper()
	var mu sync.Mutex
	var got []signaling.Message
	unsub, err := ch.Subscribe(sess.ID, sess.Remote, func(m signaling.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)
	return func() []signaling.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]signaling.Message(nil), got...)
	}
}

func TestInitiatorPublishesOfferOnStart(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	outbound := recorded(t, fx.channel, fx.sess)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	waitFor(t, func() bool { return len(outbound()) == 1 }, "offer should be published")
	if got := outbound()[0]; got.Kind != signaling.KindOffer || got.SDP != "v=0 fake-offer" {
		t.Fatalf("unexpected outbound record: %+v", got)
	}
	if fx.neg.State() != StateGathering {
		t.Errorf("state after start: %s", fx.neg.State())
	}
}

func TestStartTwiceFails(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()
	if err := fx.neg.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("got %v, want ErrAlreadyStarted", err)
	}
}

func TestResponderAnswersOffer(t *testing.T) {
	fx := newFixture(t, domain.RoleResponder)
	outbound := recorded(t, fx.channel, fx.sess)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	if err := fx.channel.Send(context.Background(), signaling.NewOffer(fx.remote, "v=0 remote-offer")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(outbound()) == 1 }, "answer should be published")
	if got := outbound()[0]; got.Kind != signaling.KindAnswer || got.SDP != "v=0 fake-answer" {
		t.Fatalf("unexpected outbound record: %+v", got)
	}

	tr := fx.factory.at(0)
	tr.mu.Lock()
	offers := len(tr.acceptedOffers)
	tr.mu.Unlock()
	if offers != 1 {
		t.Fatalf("transport accepted %d offers, want 1", offers)
	}
}

func TestDuplicateOfferAndAnswerAreNoOps(t *testing.T) {
	fx := newFixture(t, domain.RoleResponder)
	outbound := recorded(t, fx.channel, fx.sess)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	ctx := context.Background()
	// Retransmitted offer: at-least-once delivery means duplicates arrive.
	fx.channel.Send(ctx, signaling.NewOffer(fx.remote, "v=0 remote-offer"))
	fx.channel.Send(ctx, signaling.NewOffer(fx.remote, "v=0 remote-offer"))

	waitFor(t, func() bool { return len(outbound()) >= 1 }, "answer should be published")
	time.Sleep(50 * time.Millisecond)

	if got := len(outbound()); got != 1 {
		t.Fatalf("duplicate offer produced %d answers, want 1", got)
	}
	tr := fx.factory.at(0)
	tr.mu.Lock()
	offers := len(tr.acceptedOffers)
	tr.mu.Unlock()
	if offers != 1 {
		t.Fatalf("transport accepted %d offers, want 1", offers)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	fx := newFixture(t, domain.RoleResponder)
	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	ctx := context.Background()
	// Candidates interleave ahead of the offer on the wire.
	for _, c := range []string{"cand-0", "cand-1", "cand-2"} {
		fx.channel.Send(ctx, signaling.NewCandidate(fx.remote, webrtc.ICECandidateInit{Candidate: c}))
	}
	time.Sleep(50 * time.Millisecond)

	tr := fx.factory.at(0)
	if got := len(tr.remoteCandidates()); got != 0 {
		t.Fatalf("candidates applied before remote description: %d", got)
	}

	fx.channel.Send(ctx, signaling.NewOffer(fx.remote, "v=0 remote-offer"))
	waitFor(t, func() bool { return len(tr.remoteCandidates()) == 3 }, "buffered candidates should flush")

	got := tr.remoteCandidates()
	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		if got[i].Candidate != want {
			t.Fatalf("candidate order broken at %d: got %s, want %s", i, got[i].Candidate, want)
		}
	}

	// After the remote description, candidates apply immediately.
	fx.channel.Send(ctx, signaling.NewCandidate(fx.remote, webrtc.ICECandidateInit{Candidate: "cand-3"}))
	waitFor(t, func() bool { return len(tr.remoteCandidates()) == 4 }, "late candidate should apply directly")
}

func TestCandidateForUnknownSessionDropped(t *testing.T) {
	fx := newFixture(t, domain.RoleResponder)
	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	stray := signaling.Message{
		ID:        "stray",
		SessionID: fx.sess.ID, // delivered on our direction...
		From:      fx.sess.Remote,
		To:        fx.sess.Local,
		SentAt:    time.Now(),
		Kind:      signaling.KindCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "stray"},
	}
	stray.SessionID = "some-other-session" // ...but tagged for another session
	fx.neg.handleRemoteMessage(stray)

	tr := fx.factory.at(0)
	if got := len(tr.remoteCandidates()); got != 0 {
		t.Fatalf("stray candidate applied: %d", got)
	}
}

func TestConnectedEventAfterTransportConnects(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	snapshot, _ := collect(fx.neg)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	tr := fx.factory.at(0)
	tr.fireState(TransportChecking)
	tr.fireState(TransportConnected)

	waitFor(t, func() bool {
		evs := snapshot()
		return len(evs) == 1 && evs[0].Type == EventConnected
	}, "connected event expected")
	if fx.neg.State() != StateConnected {
		t.Errorf("state: %s", fx.neg.State())
	}
}

func TestSingleFallbackThenTerminalFailure(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	snapshot, _ := collect(fx.neg)
	outbound := recorded(t, fx.channel, fx.sess)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	waitFor(t, func() bool { return len(outbound()) == 1 }, "initial offer")

	// First failure: transparent relay-prioritized renegotiation.
	first := fx.factory.at(0)
	first.fireState(TransportFailed)

	waitFor(t, func() bool { return fx.factory.count() == 2 }, "fallback should create a second transport")
	waitFor(t, func() bool { return len(outbound()) == 2 }, "fallback should re-publish the offer")
	waitFor(t, func() bool {
		evs := snapshot()
		return len(evs) == 1 && evs[0].Type == EventReconnecting
	}, "reconnecting event expected")

	first.mu.Lock()
	oldClosed := first.closed
	first.mu.Unlock()
	if !oldClosed {
		t.Error("failed transport should be torn down")
	}

	// Second failure after the fallback is terminal: no third transport.
	second := fx.factory.at(1)
	second.fireState(TransportFailed)

	waitFor(t, func() bool {
		evs := snapshot()
		return len(evs) == 2 && evs[1].Type == EventFailed
	}, "terminal failure event expected")
	if fx.factory.count() != 2 {
		t.Fatalf("second failure must not trigger another fallback, transports: %d", fx.factory.count())
	}
	if evs := snapshot(); !errors.Is(evs[1].Err, ErrConnectivityLost) {
		t.Errorf("terminal error: %v", evs[1].Err)
	}
	if fx.neg.State() != StateFailed {
		t.Errorf("state: %s", fx.neg.State())
	}
}

func TestFallbackInvalidatesCredentialCache(t *testing.T) {
	var hits atomic.Int32
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"servers":[{"address":"turn:t.example.org","username":"u","secret":"s"}],"ttl_seconds":600}`))
	}))
	defer authority.Close()

	sess, _ := domain.NewSession("consult-1", "alice", "bob", domain.RoleInitiator)
	channel := signaling.NewMemoryChannel()
	defer channel.Close()
	provider := relaycred.NewProvider(relaycred.Options{
		AuthorityURL: authority.URL,
		StunURLs:     []string{"stun:s"},
	})
	factory := &fakeFactory{}
	neg := NewNegotiator(sess, provider, channel, factory.new, Options{HandshakeTimeout: 5 * time.Second})

	if err := neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer neg.Close()
	if got := hits.Load(); got != 1 {
		t.Fatalf("authority hits after start: %d", got)
	}

	// The warm set has not expired, so only invalidation explains a re-fetch.
	factory.at(0).fireState(TransportFailed)
	waitFor(t, func() bool { return factory.count() == 2 }, "fallback transport")
	if got := hits.Load(); got != 2 {
		t.Fatalf("fallback must re-fetch credentials, authority hits: %d", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	snapshot, wait := collect(fx.neg)

	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	fx.neg.Close()
	fx.neg.Close() // second call is a no-op

	wait()
	evs := snapshot()
	if len(evs) != 1 || evs[0].Type != EventClosed {
		t.Fatalf("events after double close: %+v", evs)
	}
	if fx.neg.State() != StateClosed {
		t.Errorf("state: %s", fx.neg.State())
	}

	tr := fx.factory.at(0)
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport should be closed")
	}
}

func TestCallbacksAfterCloseIgnored(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := fx.factory.at(0)
	fx.neg.Close()

	// Late transport callback must not resurrect the session.
	tr.fireState(TransportFailed)
	if fx.factory.count() != 1 {
		t.Fatal("failure after close must not trigger fallback")
	}
	if fx.neg.State() != StateClosed {
		t.Errorf("state: %s", fx.neg.State())
	}
}

func TestApplyQualityRecommendation(t *testing.T) {
	fx := newFixture(t, domain.RoleInitiator)
	if err := fx.neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fx.neg.Close()

	good := &fakeSender{}
	bad := &fakeSender{err: errors.New("no track")}
	tr := fx.factory.at(0)
	tr.mu.Lock()
	tr.senders = []MediaSender{good, bad}
	tr.mu.Unlock()

	profile := quality.Constraints(quality.Poor)
	fx.neg.ApplyQualityRecommendation(profile) // bad sender only logs

	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.applied) != 1 || good.applied[0] != profile {
		t.Fatalf("constraints not applied: %+v", good.applied)
	}
}

func TestFallbackHandshakeTimeoutIsTerminal(t *testing.T) {
	sess, _ := domain.NewSession("consult-1", "alice", "bob", domain.RoleInitiator)
	channel := signaling.NewMemoryChannel()
	defer channel.Close()
	provider := relaycred.NewProvider(relaycred.Options{StunURLs: []string{"stun:s"}})
	factory := &fakeFactory{}
	neg := NewNegotiator(sess, provider, channel, factory.new, Options{HandshakeTimeout: 100 * time.Millisecond})
	snapshot, _ := collect(neg)

	if err := neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer neg.Close()

	// The transport connects, then fails; the fallback renegotiation never
	// completes and must hit its own handshake budget.
	first := factory.at(0)
	first.fireState(TransportConnected)
	first.fireState(TransportFailed)
	waitFor(t, func() bool { return factory.count() == 2 }, "fallback transport")

	waitFor(t, func() bool {
		evs := snapshot()
		last := len(evs) - 1
		return last >= 1 && evs[last].Type == EventFailed && errors.Is(evs[last].Err, ErrHandshakeTimeout)
	}, "stalled fallback should end in a terminal failure")
	if neg.State() != StateFailed {
		t.Errorf("state: %s", neg.State())
	}
}

func TestHandshakeTimeoutIsTerminal(t *testing.T) {
	sess, _ := domain.NewSession("consult-1", "alice", "bob", domain.RoleInitiator)
	channel := signaling.NewMemoryChannel()
	defer channel.Close()
	provider := relaycred.NewProvider(relaycred.Options{StunURLs: []string{"stun:s"}})
	factory := &fakeFactory{}
	neg := NewNegotiator(sess, provider, channel, factory.new, Options{HandshakeTimeout: 30 * time.Millisecond})
	snapshot, _ := collect(neg)

	if err := neg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer neg.Close()

	waitFor(t, func() bool {
		evs := snapshot()
		return len(evs) == 1 && evs[0].Type == EventFailed && errors.Is(evs[0].Err, ErrHandshakeTimeout)
	}, "handshake timeout should fail the session")
}

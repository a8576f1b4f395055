package consult

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/domain/identity"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/media"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

var (
	patient    = ledger.Identity{ShortID: "P500600", Role: ledger.RolePatient, WalletAddress: "0x1111111111111111111111111111111111111111", DisplayName: "Asha"}
	clinician  = ledger.Identity{ShortID: "C100200", Role: ledger.RoleClinician, WalletAddress: "0x2222222222222222222222222222222222222222", DisplayName: "Dr. Rao"}
	clinician2 = ledger.Identity{ShortID: "C300400", Role: ledger.RoleClinician, WalletAddress: "0x4444444444444444444444444444444444444444", DisplayName: "Dr. Sen"}
)

// notices records what each identity's browser would see.
type notices struct {
	mu  sync.Mutex
	got map[string][]signaling.Notice
}

func newNotices() *notices {
	return &notices{got: make(map[string][]signaling.Notice)}
}

func (n *notices) Notify(key string, notice signaling.Notice) {
	n.mu.Lock()
	n.got[key] = append(n.got[key], notice)
	n.mu.Unlock()
}

func (n *notices) last(key string) (signaling.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.got[key]
	if len(list) == 0 {
		return signaling.Notice{}, false
	}
	return list[len(list)-1], true
}

func (n *notices) count(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got[key])
}

// checkpointGate wraps the real gate and refuses chosen checkpoints.
type checkpointGate struct {
	inner Gate
	mu    sync.Mutex
	deny  map[string]bool
}

func (g *checkpointGate) refuse(checkpoint string) {
	g.mu.Lock()
	g.deny[checkpoint] = true
	g.mu.Unlock()
}

func (g *checkpointGate) VerifyAt(ctx context.Context, checkpoint, clinicianID, patientID string) error {
	g.mu.Lock()
	denied := g.deny[checkpoint]
	g.mu.Unlock()
	if denied {
		return apperr.ErrPermissionDenied
	}
	return g.inner.VerifyAt(ctx, checkpoint, clinicianID, patientID)
}

// countingPeer counts emissions and forwards them.
type countingPeer struct {
	inner Emitter
	mu    sync.Mutex
	n     int
}

func (p *countingPeer) Emit(ctx context.Context, ev signaling.Event) error {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	return p.inner.Emit(ctx, ev)
}

type world struct {
	ledger   *ledger.MemoryLedger
	access   *access.Service
	gate     *checkpointGate
	hub      *signaling.Hub
	media    *media.TokenClient
	notices  *notices
	resolver *identity.Resolver
	timeout  time.Duration
}

func newWorld(t *testing.T) *world {
	t.Helper()
	l := ledger.NewMemoryLedger(1337)
	for _, id := range []ledger.Identity{patient, clinician, clinician2} {
		if err := l.Register(context.Background(), id, ""); err != nil {
			t.Fatalf("register %s: %v", id.Key(), err)
		}
	}
	resolver := identity.NewResolver(l, zerolog.Nop())
	gate := access.NewGate(l, nil, nil, zerolog.Nop())
	return &world{
		ledger:   l,
		access:   access.NewService(l, resolver, gate, zerolog.Nop()),
		gate:     &checkpointGate{inner: gate, deny: make(map[string]bool)},
		hub:      signaling.NewHub(zerolog.Nop(), nil),
		media:    media.NewTokenClient(media.Config{APIKey: "key", APISecret: "secret"}),
		notices:  newNotices(),
		resolver: resolver,
		timeout:  time.Second,
	}
}

func (w *world) grant(t *testing.T, c ledger.Identity) {
	t.Helper()
	if _, err := w.access.Grant(context.Background(), patient, c.ShortID); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (w *world) join(id ledger.Identity, m Media) *Coordinator {
	c := New(id, Deps{
		Gate:        w.gate,
		Media:       m,
		Resolver:    w.resolver,
		Notifier:    w.notices,
		Logger:      zerolog.Nop(),
		RingTimeout: w.timeout,
	})
	c.Bind(w.hub.Attach(id.Key(), c.HandleEvent))
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stateOf(c *Coordinator) State {
	call, ok := c.Current()
	if !ok {
		return StateIdle
	}
	return call.State
}

func inState(c *Coordinator, s State) func() bool {
	return func() bool { return stateOf(c) == s }
}

func TestCall_ConnectsBothSides(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, err := doc.RequestCall(ctx, patient.ShortID)
	if err != nil {
		t.Fatalf("RequestCall() error: %v", err)
	}
	if call.State != StateRequesting || call.CalleeID != patient.Key() || call.RoomID == "" {
		t.Fatalf("unexpected call %+v", call)
	}

	eventually(t, "patient ringing", inState(pat, StateRinging))
	ringing, _ := pat.Current()
	if ringing.RoomID != call.RoomID || ringing.Counterpart.DisplayName != "Dr. Rao" {
		t.Errorf("unexpected incoming call %+v", ringing)
	}

	if _, err := pat.Accept(ctx); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	eventually(t, "caller connected", inState(doc, StateConnected))
	eventually(t, "callee connected", inState(pat, StateConnected))

	if n := w.media.Members(call.RoomID); n != 2 {
		t.Errorf("expected 2 media members, got %d", n)
	}
	got, _ := pat.Current()
	if got.Credential == nil || got.Credential.Token == "" {
		t.Error("expected callee to hold a media credential")
	}
	n, _ := w.notices.last(patient.Key())
	if n.State != string(StateConnected) || n.Token == "" {
		t.Errorf("expected connected notice with token, got %+v", n)
	}
}

func TestCall_NoGrantNoEmission(t *testing.T) {
	w := newWorld(t)
	pat := w.join(patient, w.media)
	doc := New(clinician, Deps{Gate: w.gate, Media: w.media, Resolver: w.resolver, Notifier: w.notices, Logger: zerolog.Nop()})
	peer := &countingPeer{inner: w.hub.Attach(clinician.Key(), doc.HandleEvent)}
	doc.Bind(peer)

	_, err := doc.RequestCall(context.Background(), patient.ShortID)
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	peer.mu.Lock()
	emitted := peer.n
	peer.mu.Unlock()
	if emitted != 0 {
		t.Errorf("expected zero emissions, got %d", emitted)
	}
	if stateOf(doc) != StateIdle {
		t.Error("expected caller to stay idle")
	}
	time.Sleep(20 * time.Millisecond)
	if w.notices.count(patient.Key()) != 0 || stateOf(pat) != StateIdle {
		t.Error("callee must not see anything")
	}
}

func TestCall_LedgerDownRefusesCall(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	w.ledger.SetUnavailable(true)

	_, err := doc.RequestCall(context.Background(), patient.ShortID)
	if !errors.Is(err, apperr.ErrLedgerUnavailable) {
		t.Errorf("expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestCall_RecipientOffline(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)

	if _, err := doc.RequestCall(context.Background(), patient.ShortID); err != nil {
		t.Fatalf("RequestCall() error: %v", err)
	}
	eventually(t, "caller idle", inState(doc, StateIdle))

	n, _ := w.notices.last(clinician.Key())
	if n.Message != "Recipient is offline." || n.State != string(StateIdle) {
		t.Errorf("unexpected notice %+v", n)
	}
	if _, err := doc.RequestCall(context.Background(), patient.ShortID); err != nil {
		t.Errorf("expected a new attempt to be allowed, got %v", err)
	}
}

func TestCall_OneOutstandingAttempt(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	w.join(patient, w.media)

	doc.RequestCall(context.Background(), patient.ShortID)
	if _, err := doc.RequestCall(context.Background(), patient.ShortID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCall_RingingCheckpointRefuses(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	w.gate.refuse(access.CheckpointCallRinging)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)

	if _, err := doc.RequestCall(context.Background(), patient.ShortID); err != nil {
		t.Fatalf("RequestCall() error: %v", err)
	}
	eventually(t, "caller idle", inState(doc, StateIdle))

	n, _ := w.notices.last(clinician.Key())
	if n.Kind != NoticeError || n.Message != apperr.Message(apperr.ErrPermissionDenied) {
		t.Errorf("unexpected caller notice %+v", n)
	}
	if stateOf(pat) != StateIdle || w.notices.count(patient.Key()) != 0 {
		t.Error("callee must never ring without a grant")
	}
}

func TestCall_RevokedBeforePromotion(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, _ := doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))

	if _, err := w.access.Revoke(ctx, patient, clinician.ShortID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	pat.Accept(ctx)

	eventually(t, "caller idle", inState(doc, StateIdle))
	eventually(t, "callee idle", inState(pat, StateIdle))
	if w.media.Members(call.RoomID) != 0 {
		t.Error("no media session may exist without a grant")
	}
	n, _ := w.notices.last(patient.Key())
	if n.Kind != NoticeError || n.Recover != apperr.RecoverNone {
		t.Errorf("unexpected callee notice %+v", n)
	}
}

func TestCall_JoinCheckpointRefuses(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	w.gate.refuse(access.CheckpointCallJoin)
	pat.Accept(ctx)

	eventually(t, "callee idle", inState(pat, StateIdle))
	eventually(t, "caller idle", inState(doc, StateIdle))
}

func TestCall_LateAcceptAfterTimeout(t *testing.T) {
	w := newWorld(t)
	w.timeout = 50 * time.Millisecond
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, _ := doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	eventually(t, "caller timed out", inState(doc, StateIdle))
	eventually(t, "callee timed out", inState(pat, StateIdle))

	n, _ := w.notices.last(clinician.Key())
	if n.Kind != NoticeError || n.Message != apperr.Message(apperr.ErrTimedOut) || n.State != string(StateTimedOut) {
		t.Errorf("unexpected caller notice %+v", n)
	}

	if _, err := pat.Accept(ctx); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected late Accept to fail, got %v", err)
	}
	// an accept still in flight when the window closed is ignored
	doc.HandleEvent(ctx, signaling.Event{Type: signaling.EventCallAccept, RoomID: call.RoomID, From: patient.Key()})
	if stateOf(doc) != StateIdle {
		t.Errorf("expected caller to stay idle, got %s", stateOf(doc))
	}
	if w.media.Members(call.RoomID) != 0 {
		t.Error("late accept must not establish media")
	}
}

func TestCall_RejectAndCancel(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	if _, err := pat.Reject(ctx); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	eventually(t, "caller idle after reject", inState(doc, StateIdle))
	n, _ := w.notices.last(clinician.Key())
	if n.State != string(StateRejected) || n.Message != "The call was declined." {
		t.Errorf("unexpected notice %+v", n)
	}

	doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing again", inState(pat, StateRinging))
	if _, err := doc.Cancel(ctx); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	eventually(t, "callee idle after cancel", inState(pat, StateIdle))
	if _, err := doc.Cancel(ctx); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected second Cancel to fail, got %v", err)
	}
}

func TestCall_BusyCallee(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	w.grant(t, clinician2)
	first := w.join(clinician, w.media)
	second := w.join(clinician2, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	first.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	second.RequestCall(ctx, patient.ShortID)
	eventually(t, "second caller refused", inState(second, StateIdle))

	n, _ := w.notices.last(clinician2.Key())
	if n.Message != "The recipient is on another call." {
		t.Errorf("unexpected notice %+v", n)
	}
	ringing, _ := pat.Current()
	if ringing.CallerID != clinician.Key() {
		t.Errorf("expected first call to keep ringing, got %+v", ringing)
	}
}

func TestCall_LeaveEndsBothSides(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, _ := doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	pat.Accept(ctx)
	eventually(t, "callee connected", inState(pat, StateConnected))

	if _, err := pat.Leave(ctx); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	eventually(t, "caller ended", inState(doc, StateIdle))
	if w.media.Members(call.RoomID) != 0 {
		t.Errorf("expected empty room, got %d members", w.media.Members(call.RoomID))
	}
}

func TestCall_MediaFailure(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	unconfigured := media.NewTokenClient(media.Config{})
	doc := w.join(clinician, unconfigured)
	pat := w.join(patient, unconfigured)
	ctx := context.Background()

	doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	pat.Accept(ctx)

	eventually(t, "caller idle", inState(doc, StateIdle))
	eventually(t, "callee idle", inState(pat, StateIdle))
	n, _ := w.notices.last(clinician.Key())
	if n.Message != apperr.Message(apperr.ErrMediaSession) {
		t.Errorf("unexpected caller notice %+v", n)
	}
	n, _ = w.notices.last(patient.Key())
	if n.Message != apperr.Message(apperr.ErrMediaSession) {
		t.Errorf("unexpected callee notice %+v", n)
	}
}

func TestCall_AbortWhileRinging(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	pat.Abort(ctx, signaling.ReasonNavigation)

	eventually(t, "caller idle", inState(doc, StateIdle))
	n, _ := w.notices.last(clinician.Key())
	if n.Message != "The recipient left before answering." {
		t.Errorf("unexpected notice %+v", n)
	}
	// aborting when idle does nothing
	pat.Abort(ctx, signaling.ReasonNavigation)
}

func TestCall_DiagnosticCenterCannotCall(t *testing.T) {
	w := newWorld(t)
	center := ledger.Identity{ShortID: "D1", Role: ledger.RoleDiagnosticCenter, WalletAddress: "0x3333333333333333333333333333333333333333"}
	c := w.join(center, w.media)
	if _, err := c.RequestCall(context.Background(), patient.ShortID); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

// slowMedia delays room creation to stretch the caller's promotion.
type slowMedia struct {
	*media.TokenClient
	delay time.Duration
}

func (m slowMedia) Establish(ctx context.Context, roomID string, caller, callee media.Participant) (*media.Room, error) {
	time.Sleep(m.delay)
	return m.TokenClient.Establish(ctx, roomID, caller, callee)
}

func TestCall_SlowPromotionOutlastsRingWindow(t *testing.T) {
	w := newWorld(t)
	w.timeout = 200 * time.Millisecond
	w.grant(t, clinician)
	doc := w.join(clinician, slowMedia{TokenClient: w.media, delay: 400 * time.Millisecond})
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, _ := doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))
	if _, err := pat.Accept(ctx); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}

	eventually(t, "caller connected", inState(doc, StateConnected))
	eventually(t, "callee connected", inState(pat, StateConnected))
	if n := w.media.Members(call.RoomID); n != 2 {
		t.Fatalf("expected 2 media members, got %d", n)
	}

	if _, err := doc.Leave(ctx); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	eventually(t, "callee ended", inState(pat, StateIdle))
	if n := w.media.Members(call.RoomID); n != 0 {
		t.Errorf("expected empty room, got %d members", n)
	}
}

func TestCall_ConnectedEndsOnCounterpartTermination(t *testing.T) {
	for _, typ := range []signaling.EventType{
		signaling.EventCallTimedOut,
		signaling.EventCallCancelled,
		signaling.EventCallReject,
	} {
		t.Run(string(typ), func(t *testing.T) {
			w := newWorld(t)
			w.grant(t, clinician)
			doc := w.join(clinician, w.media)
			pat := w.join(patient, w.media)
			ctx := context.Background()

			call, _ := doc.RequestCall(ctx, patient.ShortID)
			eventually(t, "patient ringing", inState(pat, StateRinging))
			pat.Accept(ctx)
			eventually(t, "caller connected", inState(doc, StateConnected))
			eventually(t, "callee connected", inState(pat, StateConnected))

			doc.HandleEvent(ctx, signaling.Event{Type: typ, RoomID: call.RoomID, From: patient.Key()})
			if stateOf(doc) != StateIdle {
				t.Fatalf("expected caller to end, got %s", stateOf(doc))
			}
			n, _ := w.notices.last(clinician.Key())
			if n.State != string(StateEnded) {
				t.Errorf("unexpected caller notice %+v", n)
			}
			if got := w.media.Members(call.RoomID); got != 1 {
				t.Errorf("expected caller to leave the room, got %d members", got)
			}
		})
	}
}

func TestCall_ThirdPartyEventsIgnored(t *testing.T) {
	w := newWorld(t)
	w.grant(t, clinician)
	doc := w.join(clinician, w.media)
	pat := w.join(patient, w.media)
	ctx := context.Background()

	call, _ := doc.RequestCall(ctx, patient.ShortID)
	eventually(t, "patient ringing", inState(pat, StateRinging))

	pat.HandleEvent(ctx, signaling.Event{Type: signaling.EventCallCancelled, RoomID: call.RoomID, From: clinician2.Key()})
	if stateOf(pat) != StateRinging {
		t.Fatalf("expected callee to keep ringing, got %s", stateOf(pat))
	}
	doc.HandleEvent(ctx, signaling.Event{Type: signaling.EventCallAccept, RoomID: call.RoomID, From: clinician2.Key()})
	if stateOf(doc) != StateRequesting {
		t.Fatalf("expected caller to keep requesting, got %s", stateOf(doc))
	}

	pat.Accept(ctx)
	eventually(t, "callee connected", inState(pat, StateConnected))
	pat.HandleEvent(ctx, signaling.Event{Type: signaling.EventCallEnded, RoomID: call.RoomID, From: clinician2.Key()})
	if stateOf(pat) != StateConnected {
		t.Errorf("expected connected call to survive a foreign end, got %s", stateOf(pat))
	}
	if n := w.media.Members(call.RoomID); n != 2 {
		t.Errorf("expected 2 media members, got %d", n)
	}
}

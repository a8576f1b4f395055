package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/media"
	"github.com/ehr/consentgate/internal/platform/metrics"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

// DefaultRingTimeout is how long an attempt may stay unanswered.
const DefaultRingTimeout = 30 * time.Second

// eventTimeout bounds the remote calls made while handling one inbound
// event.
const eventTimeout = 10 * time.Second

// Call outcomes used as metric labels.
const (
	outcomeConnected = "connected"
	outcomeRejected  = "rejected"
	outcomeDenied    = "denied"
	outcomeTimedOut  = "timed_out"
	outcomeCancelled = "cancelled"
	outcomeOffline   = "offline"
	outcomeFailed    = "failed"
	outcomeEnded     = "ended"
)

// Notice kinds pushed to the browser.
const (
	NoticeState = "call_state"
	NoticeError = "call_error"
)

type Gate interface {
	VerifyAt(ctx context.Context, checkpoint, clinicianID, patientID string) error
}

type Media interface {
	Establish(ctx context.Context, roomID string, caller, callee media.Participant) (*media.Room, error)
	Join(ctx context.Context, cred media.Credential) error
	Leave(ctx context.Context, roomID, userID string) error
}

type Resolver interface {
	Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

// Notifier pushes call notices to the identity's browser sockets.
type Notifier interface {
	Notify(key string, n signaling.Notice)
}

// Emitter sends events from this identity through the hub.
type Emitter interface {
	Emit(ctx context.Context, ev signaling.Event) error
}

type Deps struct {
	Gate        Gate
	Media       Media
	Resolver    Resolver
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	RingTimeout time.Duration
}

// Coordinator runs the call state machine for one session. At most one
// attempt is outstanding; every transition happens under mu.
type Coordinator struct {
	self     ledger.Identity
	gate     Gate
	media    Media
	resolver Resolver
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
	newRoom  func() string
	now      func() time.Time

	mu    sync.Mutex
	peer  Emitter
	call  *Call
	timer *time.Timer
}

func New(self ledger.Identity, d Deps) *Coordinator {
	if d.RingTimeout <= 0 {
		d.RingTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		self:     self,
		gate:     d.Gate,
		media:    d.Media,
		resolver: d.Resolver,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		logger:   d.Logger.With().Str("component", "consult").Str("identity", self.Key()).Logger(),
		timeout:  d.RingTimeout,
		newRoom:  uuid.NewString,
		now:      time.Now,
	}
}

// Bind attaches the hub peer the coordinator emits through.
func (c *Coordinator) Bind(peer Emitter) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

func (c *Coordinator) Self() ledger.Identity { return c.self }

// Current returns a copy of the outstanding attempt.
func (c *Coordinator) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return Call{}, false
	}
	return *c.call, true
}

func (c *Coordinator) participant() media.Participant {
	return media.Participant{UserID: strings.ToLower(c.self.WalletAddress), Name: c.self.DisplayName}
}

func participantOf(id ledger.Identity) media.Participant {
	return media.Participant{UserID: strings.ToLower(id.WalletAddress), Name: id.DisplayName}
}

// check runs the gate for self and other at checkpoint.
func (c *Coordinator) check(ctx context.Context, checkpoint string, other ledger.Identity) error {
	pair, err := access.PairOf(c.self, other)
	if err != nil {
		return err
	}
	return c.gate.VerifyAt(ctx, checkpoint, pair.Clinician.ShortID, pair.Patient.ShortID)
}

// RequestCall starts an attempt to counterpartShortID. Nothing is emitted
// unless the gate grants the pair.
func (c *Coordinator) RequestCall(ctx context.Context, counterpartShortID string) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.call != nil {
		return Call{}, fmt.Errorf("a call is already %s: %w", strings.ToLower(string(c.call.State)), apperr.ErrInvalidTransition)
	}
	role, err := access.CounterpartRole(c.self.Role)
	if err != nil {
		return Call{}, err
	}
	other, err := c.resolver.Resolve(ctx, role, counterpartShortID)
	if err != nil {
		return Call{}, err
	}
	if err := c.check(ctx, access.CheckpointCallRequest, other); err != nil {
		c.metrics.Call(outcomeDenied)
		c.logger.Info().Err(err).Str("counterpart", other.Key()).Msg("call refused by gate")
		return Call{}, err
	}
	if c.peer == nil {
		return Call{}, fmt.Errorf("no signaling peer: %w", apperr.ErrSignalingUnavailable)
	}

	now := c.now().UTC()
	call := &Call{
		RoomID:      c.newRoom(),
		CallerID:    c.self.Key(),
		CalleeID:    other.Key(),
		Counterpart: other,
		Direction:   Outgoing,
		State:       StateRequesting,
		RequestedAt: now,
		ExpiresAt:   now.Add(c.timeout),
	}
	err = c.peer.Emit(ctx, signaling.Event{
		Type:     signaling.EventCallRequest,
		RoomID:   call.RoomID,
		To:       call.CalleeID,
		FromName: c.self.DisplayName,
	})
	if err != nil {
		return Call{}, fmt.Errorf("request call: %w", err)
	}

	c.call = call
	c.arm(call.RoomID)
	c.logger.Info().Str("room", call.RoomID).Str("counterpart", other.Key()).Msg("call requested")
	c.notifyState(call, "")
	return *call, nil
}

// Accept answers a ringing call.
func (c *Coordinator) Accept(ctx context.Context) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, err := c.expect(StateRinging)
	if err != nil {
		return Call{}, err
	}
	if err := c.emit(ctx, signaling.EventCallAccept, call, ""); err != nil {
		return Call{}, err
	}
	// the caller owns the attempt from here; its promotion ends it either way
	c.disarm()
	call.State = StateAccepted
	c.notifyState(call, "")
	return *call, nil
}

// Reject declines a ringing call.
func (c *Coordinator) Reject(ctx context.Context) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, err := c.expect(StateRinging)
	if err != nil {
		return Call{}, err
	}
	err = c.emit(ctx, signaling.EventCallReject, call, signaling.ReasonDeclined)
	c.finish(call, StateRejected, outcomeRejected)
	return *call, err
}

// Cancel withdraws an outgoing call that has not been answered.
func (c *Coordinator) Cancel(ctx context.Context) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, err := c.expect(StateRequesting)
	if err != nil {
		return Call{}, err
	}
	err = c.emit(ctx, signaling.EventCallCancelled, call, "")
	c.finish(call, StateCancelled, outcomeCancelled)
	return *call, err
}

// Leave hangs up a connected call.
func (c *Coordinator) Leave(ctx context.Context) (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, err := c.expect(StateConnected)
	if err != nil {
		return Call{}, err
	}
	err = c.emit(ctx, signaling.EventCallEnded, call, "")
	c.leaveMedia(ctx, call)
	c.finish(call, StateEnded, outcomeEnded)
	return *call, err
}

// Abort ends whatever attempt is outstanding, telling the counterpart with
// the signal matching the state. It is used when the user navigates away
// and when the session is torn down. Idle is a no-op.
func (c *Coordinator) Abort(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.call
	if call == nil {
		return
	}

	var (
		typ   signaling.EventType
		final State
	)
	switch call.State {
	case StateRequesting:
		typ, final = signaling.EventCallCancelled, StateCancelled
	case StateRinging, StateAccepted:
		typ, final = signaling.EventCallReject, StateRejected
	case StateConnected:
		typ, final = signaling.EventCallEnded, StateEnded
		c.leaveMedia(ctx, call)
	default:
		final = StateEnded
	}
	if typ != "" {
		if err := c.emit(ctx, typ, call, reason); err != nil {
			c.logger.Warn().Err(err).Str("room", call.RoomID).Msg("abort signal not delivered")
		}
	}
	c.finish(call, final, outcomeCancelled)
}

// HandleEvent is the hub handler for this session's peer.
func (c *Coordinator) HandleEvent(ctx context.Context, ev signaling.Event) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With().Str("event", string(ev.Type)).Str("room", ev.RoomID).Str("from", ev.From).Logger()

	if ev.Type == signaling.EventIncomingCall {
		c.onIncoming(ctx, ev, log)
		return
	}

	call := c.call
	if call == nil || call.RoomID != ev.RoomID {
		// late or foreign events: the attempt they belong to is gone
		log.Debug().Msg("event for no outstanding call ignored")
		return
	}
	if ev.From != call.counterpartKey() {
		log.Warn().Str("counterpart", call.counterpartKey()).Msg("event from a third party ignored")
		return
	}
	if call.State == StateConnected && terminates(ev.Type) {
		c.leaveMedia(ctx, call)
		c.finish(call, StateEnded, outcomeEnded)
		c.notifyState(call, "The call has ended.")
		return
	}

	switch ev.Type {
	case signaling.EventCallAccept:
		if call.Direction != Outgoing || call.State != StateRequesting {
			log.Debug().Str("state", string(call.State)).Msg("accept ignored")
			return
		}
		c.onAccepted(ctx, call, log)

	case signaling.EventCallStarted:
		if call.Direction != Incoming || call.State != StateAccepted {
			log.Debug().Str("state", string(call.State)).Msg("start ignored")
			return
		}
		c.onStarted(ctx, call, ev, log)

	case signaling.EventCallReject:
		if call.Direction != Outgoing || !pending(call.State) {
			return
		}
		c.finish(call, StateRejected, outcomeRejected)
		if ev.Reason == signaling.ReasonPermissionDenied {
			c.notifyError(call, apperr.ErrPermissionDenied)
			return
		}
		c.notifyState(call, rejectMessage(ev.Reason))

	case signaling.EventCallCancelled:
		if !pending(call.State) {
			return
		}
		c.finish(call, StateCancelled, outcomeCancelled)
		if ev.Reason == signaling.ReasonPermissionDenied {
			c.notifyError(call, apperr.ErrPermissionDenied)
			return
		}
		c.notifyState(call, "The caller cancelled the call.")

	case signaling.EventCallTimedOut:
		if !pending(call.State) {
			return
		}
		c.finish(call, StateTimedOut, outcomeTimedOut)
		c.notifyError(call, apperr.ErrTimedOut)

	case signaling.EventRecipientOffline:
		if call.State != StateRequesting {
			return
		}
		c.finish(call, StateIdle, outcomeOffline)
		c.notifyState(call, "Recipient is offline.")

	case signaling.EventCallError:
		c.finish(call, StateIdle, outcomeFailed)
		err := apperr.ErrSignalingUnavailable
		if ev.Reason == signaling.ReasonMediaFailed {
			err = apperr.ErrMediaSession
		}
		c.notifyError(call, err)

	case signaling.EventCallEnded:
		c.finish(call, StateEnded, outcomeEnded)
		c.notifyState(call, "The call has ended.")
	}
}

// pending reports whether an attempt can still be refused, withdrawn or
// expire.
func pending(s State) bool {
	return s == StateRequesting || s == StateRinging || s == StateAccepted
}

// terminates reports whether ev ends a connected call when the counterpart
// sends it.
func terminates(t signaling.EventType) bool {
	switch t {
	case signaling.EventCallEnded, signaling.EventCallError, signaling.EventCallReject,
		signaling.EventCallCancelled, signaling.EventCallTimedOut:
		return true
	}
	return false
}

func rejectMessage(reason string) string {
	switch reason {
	case signaling.ReasonBusy:
		return "The recipient is on another call."
	case signaling.ReasonNavigation:
		return "The recipient left before answering."
	}
	return "The call was declined."
}

// onIncoming rings only when the gate grants the pair; otherwise the caller
// is refused without the callee ever seeing the call.
func (c *Coordinator) onIncoming(ctx context.Context, ev signaling.Event, log zerolog.Logger) {
	refuse := func(reason string) {
		err := c.emitTo(ctx, signaling.Event{Type: signaling.EventCallReject, RoomID: ev.RoomID, To: ev.From, Reason: reason})
		if err != nil {
			log.Warn().Err(err).Msg("refusal not delivered")
		}
	}

	if c.call != nil {
		refuse(signaling.ReasonBusy)
		return
	}
	caller, err := c.identityOf(ctx, ev.From)
	if err != nil {
		log.Warn().Err(err).Msg("caller not resolved")
		refuse(signaling.ReasonPermissionDenied)
		return
	}
	if err := c.check(ctx, access.CheckpointCallRinging, caller); err != nil {
		c.metrics.Call(outcomeDenied)
		log.Info().Err(err).Msg("incoming call refused by gate")
		refuse(signaling.ReasonPermissionDenied)
		return
	}

	now := c.now().UTC()
	c.call = &Call{
		RoomID:      ev.RoomID,
		CallerID:    caller.Key(),
		CalleeID:    c.self.Key(),
		Counterpart: caller,
		Direction:   Incoming,
		State:       StateRinging,
		RequestedAt: now,
		ExpiresAt:   now.Add(c.timeout),
	}
	c.arm(ev.RoomID)
	log.Info().Msg("call ringing")
	c.notifyState(c.call, "")
}

// onAccepted promotes an answered call: the gate is read again, media is
// established and the callee receives its credential with call_started.
func (c *Coordinator) onAccepted(ctx context.Context, call *Call, log zerolog.Logger) {
	c.disarm()
	call.State = StateAccepted

	if err := c.check(ctx, access.CheckpointCallPromotion, call.Counterpart); err != nil {
		log.Info().Err(err).Msg("promotion refused by gate")
		if emitErr := c.emit(ctx, signaling.EventCallCancelled, call, signaling.ReasonPermissionDenied); emitErr != nil {
			log.Warn().Err(emitErr).Msg("cancel not delivered")
		}
		c.finish(call, StateCancelled, outcomeDenied)
		c.notifyError(call, err)
		return
	}

	room, err := c.media.Establish(ctx, call.RoomID, c.participant(), participantOf(call.Counterpart))
	if err == nil {
		err = c.media.Join(ctx, room.Caller)
	}
	if err != nil {
		log.Warn().Err(err).Msg("media session failed")
		if emitErr := c.emit(ctx, signaling.EventCallError, call, signaling.ReasonMediaFailed); emitErr != nil {
			log.Warn().Err(emitErr).Msg("call error not delivered")
		}
		c.finish(call, StateIdle, outcomeFailed)
		if !errors.Is(err, apperr.ErrMediaSession) {
			err = fmt.Errorf("%w: %v", apperr.ErrMediaSession, err)
		}
		c.notifyError(call, err)
		return
	}

	err = c.emitTo(ctx, signaling.Event{
		Type:   signaling.EventCallStarted,
		RoomID: call.RoomID,
		To:     call.CalleeID,
		Token:  room.Callee.Token,
	})
	if err != nil {
		log.Warn().Err(err).Msg("call start not delivered")
		c.leaveMedia(ctx, call)
		c.finish(call, StateIdle, outcomeFailed)
		c.notifyError(call, err)
		return
	}

	cred := room.Caller
	call.Credential = &cred
	call.State = StateConnected
	c.metrics.Call(outcomeConnected)
	log.Info().Msg("call connected")
	c.notifyState(call, "")
}

// onStarted joins the media session the caller established, after a final
// gate read.
func (c *Coordinator) onStarted(ctx context.Context, call *Call, ev signaling.Event, log zerolog.Logger) {
	if err := c.check(ctx, access.CheckpointCallJoin, call.Counterpart); err != nil {
		log.Info().Err(err).Msg("join refused by gate")
		if emitErr := c.emit(ctx, signaling.EventCallEnded, call, signaling.ReasonPermissionDenied); emitErr != nil {
			log.Warn().Err(emitErr).Msg("end not delivered")
		}
		c.finish(call, StateEnded, outcomeDenied)
		c.notifyError(call, err)
		return
	}

	cred := media.Credential{RoomID: call.RoomID, UserID: c.participant().UserID, Token: ev.Token}
	var err error
	if ev.Token == "" {
		err = media.ErrNoCredential
	} else {
		err = c.media.Join(ctx, cred)
	}
	if err != nil {
		log.Warn().Err(err).Msg("media join failed")
		if emitErr := c.emit(ctx, signaling.EventCallError, call, signaling.ReasonMediaFailed); emitErr != nil {
			log.Warn().Err(emitErr).Msg("call error not delivered")
		}
		c.finish(call, StateIdle, outcomeFailed)
		c.notifyError(call, err)
		return
	}

	c.disarm()
	call.Credential = &cred
	call.State = StateConnected
	c.metrics.Call(outcomeConnected)
	log.Info().Msg("call connected")
	c.notifyState(call, "")
}

func (c *Coordinator) identityOf(ctx context.Context, key string) (ledger.Identity, error) {
	role, shortID, ok := strings.Cut(key, "/")
	if !ok {
		return ledger.Identity{}, fmt.Errorf("%w: identity key %q", apperr.ErrInvalidInput, key)
	}
	r, err := ledger.ParseRole(role)
	if err != nil {
		return ledger.Identity{}, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return c.resolver.Resolve(ctx, r, shortID)
}

// expect returns the outstanding call when it is in state. Caller holds mu.
func (c *Coordinator) expect(state State) (*Call, error) {
	if c.call == nil {
		return nil, fmt.Errorf("no call in progress: %w", apperr.ErrInvalidTransition)
	}
	if c.call.State != state {
		return nil, fmt.Errorf("call is %s, not %s: %w", c.call.State, state, apperr.ErrInvalidTransition)
	}
	return c.call, nil
}

func (c *Coordinator) emit(ctx context.Context, typ signaling.EventType, call *Call, reason string) error {
	return c.emitTo(ctx, signaling.Event{Type: typ, RoomID: call.RoomID, To: call.counterpartKey(), Reason: reason})
}

func (c *Coordinator) emitTo(ctx context.Context, ev signaling.Event) error {
	if c.peer == nil {
		return fmt.Errorf("no signaling peer: %w", apperr.ErrSignalingUnavailable)
	}
	return c.peer.Emit(ctx, ev)
}

func (c *Coordinator) leaveMedia(ctx context.Context, call *Call) {
	if err := c.media.Leave(ctx, call.RoomID, c.participant().UserID); err != nil {
		c.logger.Debug().Err(err).Str("room", call.RoomID).Msg("media leave failed")
	}
}

// finish records the terminal state and returns the session to Idle.
func (c *Coordinator) finish(call *Call, final State, outcome string) {
	c.disarm()
	call.State = final
	if c.call == call {
		c.call = nil
	}
	c.metrics.Call(outcome)
	c.logger.Info().Str("room", call.RoomID).Str("state", string(final)).Msg("call finished")
}

// arm starts the ring window for roomID. Caller holds mu.
func (c *Coordinator) arm(roomID string) {
	c.disarm()
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(roomID) })
}

func (c *Coordinator) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire ends an attempt still unanswered when its window closes. A call
// already answered, or a newer attempt, is left alone.
func (c *Coordinator) expire(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.call
	if call == nil || call.RoomID != roomID {
		return
	}
	if !pending(call.State) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := c.emit(ctx, signaling.EventCallTimedOut, call, ""); err != nil {
		c.logger.Warn().Err(err).Str("room", roomID).Msg("timeout not delivered")
	}
	c.timer = nil
	c.finish(call, StateTimedOut, outcomeTimedOut)
	c.notifyError(call, apperr.ErrTimedOut)
}

func (c *Coordinator) notifyState(call *Call, message string) {
	if c.notifier == nil {
		return
	}
	n := signaling.Notice{
		Kind:    NoticeState,
		State:   string(call.State),
		RoomID:  call.RoomID,
		Peer:    call.Counterpart.DisplayName,
		Message: message,
	}
	if n.Peer == "" {
		n.Peer = call.Counterpart.ShortID
	}
	if call.Credential != nil {
		n.Token = call.Credential.Token
	}
	c.notifier.Notify(c.self.Key(), n)
}

func (c *Coordinator) notifyError(call *Call, err error) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(c.self.Key(), signaling.Notice{
		Kind:    NoticeError,
		State:   string(call.State),
		RoomID:  call.RoomID,
		Message: apperr.Message(err),
		Recover: apperr.Recoverable(err),
	})
}

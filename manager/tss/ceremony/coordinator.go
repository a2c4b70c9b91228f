// Package ceremony runs keygen and signing ceremonies over a transport room.
package ceremony

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/constant"
	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/status"
	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Options configures a Coordinator.
type Options struct {
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
	// ChainID is used for recovery id folding when a request carries none.
	ChainID uint64
	// StageBuffer is the capacity of per-stage channels.
	StageBuffer int
	// OnDrop observes envelopes discarded by the router.
	OnDrop wire.DropFunc
}

// KeygenRequest describes one key generation ceremony from the local
// party's point of view.
type KeygenRequest struct {
	RoomID       string
	OwnerID      string
	KeyID        string
	Party        wire.PartyIndex
	Threshold    uint16
	PartiesCount uint16
	Timeout      time.Duration
	// Persist, when set, stores the new share before finished is reported.
	// An error fails the ceremony.
	Persist func(ctx context.Context, share *engine.KeyShare) error
}

// SignRequest describes one signing ceremony. Participants are the signers;
// the share's own index must be among them.
type SignRequest struct {
	RoomID       string
	OwnerID      string
	KeyID        string
	Share        *engine.KeyShare
	Participants wire.PartySet
	Hash         []byte
	ChainID      uint64
	Timeout      time.Duration
}

// Coordinator runs ceremonies. It holds no per-ceremony state and may run
// any number of ceremonies concurrently.
type Coordinator struct {
	engine   engine.Engine
	dialer   transport.Dialer
	observer status.Observer
	opts     Options
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. A nil observer discards events.
func NewCoordinator(eng engine.Engine, dialer transport.Dialer, observer status.Observer, opts Options, logger zerolog.Logger) *Coordinator {
	if observer == nil {
		observer = status.Nop
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = constant.DefaultCeremonyTimeout
	}
	if opts.StageBuffer <= 0 {
		opts.StageBuffer = wire.DefaultStageBuffer
	}
	return &Coordinator{
		engine:   eng,
		dialer:   dialer,
		observer: observer,
		opts:     opts,
		logger:   logger.With().Str("component", "tss_ceremony").Logger(),
	}
}

// RunKeygen runs key generation among parties 1..PartiesCount.
func (c *Coordinator) RunKeygen(ctx context.Context, req KeygenRequest) (*engine.KeyShare, error) {
	parties := wire.Range(req.PartiesCount)
	if req.RoomID == "" {
		return nil, invalid("room id is required")
	}
	if req.PartiesCount == 0 {
		return nil, invalid("participants count must be positive")
	}
	if req.Threshold == 0 || req.Threshold > req.PartiesCount {
		return nil, invalid("threshold %d out of range 1..%d", req.Threshold, req.PartiesCount)
	}
	if !parties.Contains(req.Party) {
		return nil, &MembershipError{Party: req.Party, Participants: parties}
	}

	r := &run{
		c:            c,
		action:       status.ActionKeygen,
		roomID:       req.RoomID,
		ownerID:      req.OwnerID,
		keyID:        req.KeyID,
		self:         req.Party,
		participants: parties,
		timeout:      c.timeout(req.Timeout),
		announce:     req.Party == parties[0],
	}
	var share *engine.KeyShare
	if req.Persist != nil {
		r.commit = func(ctx context.Context) error {
			return errors.Wrap(req.Persist(ctx, share), "failed to persist keyshare")
		}
	}
	driver := engine.NewDriver(c.engine, req.Party, r.log())
	params := engine.KeygenParams{
		SessionID: []byte("keygen/" + req.RoomID),
		Parties:   parties,
		Threshold: req.Threshold,
	}

	err := r.execute(ctx, []wire.Stage{wire.StageKeygen}, func(ctx context.Context, streams map[wire.Stage]engine.Stream) (string, error) {
		var err error
		share, err = driver.Keygen(ctx, params, streams[wire.StageKeygen])
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(share.PublicKey), nil
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

// RunSign runs the offline and partial stages and returns the finalized
// signature over Hash.
func (c *Coordinator) RunSign(ctx context.Context, req SignRequest) (signature.Encoded, error) {
	if err := c.validateSign(req); err != nil {
		return signature.Encoded{}, err
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = c.opts.ChainID
	}

	r := &run{
		c:            c,
		action:       status.ActionSign,
		roomID:       req.RoomID,
		ownerID:      req.OwnerID,
		keyID:        req.KeyID,
		self:         req.Share.Index,
		participants: req.Participants,
		timeout:      c.timeout(req.Timeout),
		announce:     true,
	}
	driver := engine.NewDriver(c.engine, req.Share.Index, r.log())
	params := engine.SignParams{
		SessionID: []byte("sign/" + req.RoomID),
		Share:     req.Share,
		Signers:   req.Participants,
		Hash:      req.Hash,
	}

	var encoded signature.Encoded
	stages := []wire.Stage{wire.StageOffline, wire.StagePartial}
	err := r.execute(ctx, stages, func(ctx context.Context, streams map[wire.Stage]engine.Stream) (string, error) {
		raw, err := driver.Sign(ctx, params, streams[wire.StageOffline], streams[wire.StagePartial])
		if err != nil {
			return "", err
		}
		encoded = signature.Finalize(raw, chainID)
		return encoded.String(), nil
	})
	if err != nil {
		return signature.Encoded{}, err
	}
	return encoded, nil
}

func (c *Coordinator) validateSign(req SignRequest) error {
	if req.RoomID == "" {
		return invalid("room id is required")
	}
	if req.Share == nil {
		return invalid("key share is required")
	}
	if len(req.Hash) != 32 {
		return invalid("hash must be 32 bytes, got %d", len(req.Hash))
	}
	if err := req.Participants.Validate(); err != nil {
		return invalid("participants: %v", err)
	}
	if !req.Participants.Contains(req.Share.Index) {
		return &MembershipError{Party: req.Share.Index, Participants: req.Participants}
	}
	if len(req.Participants) < int(req.Share.Threshold) {
		return invalid("%d participants cannot reach threshold %d", len(req.Participants), req.Share.Threshold)
	}
	for _, p := range req.Participants {
		if !req.Share.Parties.Contains(p) {
			return invalid("participant %d does not hold a share of this key", p)
		}
	}
	return nil
}

func (c *Coordinator) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.opts.DefaultTimeout
	}
	return d
}

// driveFunc runs the protocol driver and returns the result string reported
// in the finished event.
type driveFunc func(ctx context.Context, streams map[wire.Stage]engine.Stream) (string, error)

// run is a single ceremony invocation.
type run struct {
	c            *Coordinator
	action       status.Action
	roomID       string
	ownerID      string
	keyID        string
	self         wire.PartyIndex
	participants wire.PartySet
	timeout      time.Duration
	announce     bool
	// commit runs after the outbound drain and before finished is reported.
	commit func(ctx context.Context) error

	state *State
}

func (r *run) log() zerolog.Logger {
	return r.c.logger.With().
		Str("room_id", r.roomID).
		Str("action", string(r.action)).
		Uint16("party", uint16(r.self)).
		Logger()
}

type loopResult struct {
	loop string
	err  error
}

type driverResult struct {
	result string
	err    error
}

// execute joins the room and runs the sender, splitter and driver tasks
// until the first of them finishes. It returns only after all three exited.
func (r *run) execute(parent context.Context, stages []wire.Stage, drive driveFunc) error {
	log := r.log()
	r.state = newState(r.self)

	ctx, cancelTimeout := context.WithTimeout(parent, r.timeout)
	defer cancelTimeout()

	room, err := r.c.dialer.Join(ctx, r.roomID, r.self)
	if err != nil {
		err = r.classify(ctx, errors.Wrapf(err, "failed to join room %s", r.roomID))
		r.fail(parent, err)
		return err
	}
	defer func() {
		if cerr := room.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("failed to close room")
		}
	}()

	if r.announce {
		r.notify(ctx, status.StatusCreated, nil)
	}

	router := wire.NewRouter(r.self, log)
	if r.c.opts.OnDrop != nil {
		router.OnDrop(r.c.opts.OnDrop)
	}
	streams := make(map[wire.Stage]engine.Stream, len(stages))
	outs := make([]chan wire.Envelope, 0, len(stages))
	merged := make([]<-chan wire.Envelope, 0, len(stages))
	for _, stage := range stages {
		out := make(chan wire.Envelope, r.c.opts.StageBuffer)
		outs = append(outs, out)
		merged = append(merged, out)
		streams[stage] = engine.Stream{In: router.Subscribe(stage, r.c.opts.StageBuffer), Out: out}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := wire.Merge(runCtx, merged...)
	senderDone := make(chan loopResult, 1)
	splitterDone := make(chan loopResult, 1)
	driverDone := make(chan driverResult, 1)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		senderDone <- loopResult{loop: LoopSender, err: r.send(runCtx, room, outbound)}
	}()
	go func() {
		defer wg.Done()
		splitterDone <- loopResult{loop: LoopSplitter, err: r.split(runCtx, room, router)}
	}()
	go func() {
		defer wg.Done()
		res, err := drive(runCtx, streams)
		driverDone <- driverResult{result: res, err: err}
	}()

	r.state.setPhase(PhaseRunning)
	log.Info().Dur("timeout", r.timeout).Interface("participants", r.participants).Msg("ceremony started")

	var outcome error
	var result string
	select {
	case d := <-driverDone:
		if d.err != nil {
			outcome = d.err
			break
		}
		result = d.result
		// Let queued outbound messages reach the room before tearing down,
		// peers may still need our last round.
		r.state.setPhase(PhaseDraining)
		for _, out := range outs {
			close(out)
		}
		select {
		case l := <-senderDone:
			if l.err != nil {
				log.Warn().Err(l.err).Msg("outbound drain incomplete")
			}
		case <-ctx.Done():
			log.Warn().Msg("deadline reached while draining outbound messages")
		}
	case l := <-senderDone:
		outcome = &TransportClosedError{Loop: l.loop, Err: l.err}
	case l := <-splitterDone:
		outcome = &TransportClosedError{Loop: l.loop, Err: l.err}
	case <-ctx.Done():
		outcome = ctx.Err()
	}

	cancel()
	wg.Wait()

	if outcome == nil && r.commit != nil {
		outcome = r.commit(parent)
	}
	if outcome != nil {
		outcome = r.classify(ctx, outcome)
		r.fail(parent, outcome)
		return outcome
	}

	r.state.setPhase(PhaseFinished)
	log.Info().Msg("ceremony finished")
	r.notifyActive(context.WithoutCancel(parent), status.StatusFinished, status.StringPtr(result), r.participants)
	return nil
}

// send forwards merged outbound envelopes to the room until the merge closes.
func (r *run) send(ctx context.Context, room transport.Room, outbound <-chan wire.Envelope) error {
	for env := range outbound {
		if err := room.Send(ctx, env); err != nil {
			return errors.Wrap(err, "failed to send envelope")
		}
	}
	return ctx.Err()
}

// split dispatches room traffic into the router until the room closes.
func (r *run) split(ctx context.Context, room transport.Room, router *wire.Router) error {
	log := r.log()
	incoming := room.Incoming()
	for {
		select {
		case item, ok := <-incoming:
			if !ok {
				return errors.New("incoming stream closed")
			}
			if item.Err != nil {
				log.Warn().Err(item.Err).Msg("transport read error, skipping")
				continue
			}
			env := item.Envelope
			if err := router.Dispatch(ctx, env); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if env.Sender != r.self && r.participants.Contains(env.Sender) && r.state.markActive(env.Sender) {
				r.notify(ctx, status.StatusStarted, nil)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify turns a raw outcome into the ceremony error taxonomy. A finished
// context wins over whatever the tasks reported while being torn down.
func (r *run) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TimeoutError{After: r.timeout}
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (r *run) fail(ctx context.Context, err error) {
	r.state.setPhase(PhaseFailed)
	log := r.log()
	st := status.StatusError
	var te *TimeoutError
	if errors.As(err, &te) {
		st = status.StatusTimeout
		log.Warn().Err(err).Msg("ceremony timed out")
	} else {
		log.Error().Err(err).Msg("ceremony failed")
	}
	r.notify(context.WithoutCancel(ctx), st, status.StringPtr(err.Error()))
}

func (r *run) notify(ctx context.Context, st status.Status, result *string) {
	r.notifyActive(ctx, st, result, r.state.Active())
}

func (r *run) notifyActive(ctx context.Context, st status.Status, result *string, active []wire.PartyIndex) {
	ev := status.Event{
		Action:        r.action,
		RoomID:        r.roomID,
		OwnerID:       r.ownerID,
		KeyID:         r.keyID,
		Status:        st,
		ActiveIndexes: active,
		Result:        result,
	}
	if err := r.c.observer.Notify(ctx, ev); err != nil {
		r.c.logger.Warn().Err(err).Str("room_id", r.roomID).Str("status", string(st)).
			Msg("failed to report ceremony status")
	}
}

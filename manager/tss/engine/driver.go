package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Stream is the pair of channels a stage reads from and writes to.
// Out is never closed by the driver.
type Stream struct {
	In  <-chan wire.Routed
	Out chan<- wire.Envelope
}

// KeygenParams configures a key generation stage.
type KeygenParams struct {
	SessionID []byte
	Parties   wire.PartySet
	Threshold uint16
}

// SignParams configures the two signing stages.
type SignParams struct {
	SessionID []byte
	Share     *KeyShare
	Signers   wire.PartySet
	Hash      []byte
}

// Driver runs engine stages for the local party.
type Driver struct {
	engine Engine
	self   wire.PartyIndex
	logger zerolog.Logger
}

// NewDriver creates a driver for self.
func NewDriver(engine Engine, self wire.PartyIndex, logger zerolog.Logger) *Driver {
	return &Driver{
		engine: engine,
		self:   self,
		logger: logger.With().Str("component", "tss_driver").Uint16("party", uint16(self)).Logger(),
	}
}

// Keygen runs key generation to completion.
func (d *Driver) Keygen(ctx context.Context, p KeygenParams, s Stream) (*KeyShare, error) {
	h, err := d.engine.Keygen(d.self, p.Parties, p.Threshold, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to start keygen: %w", err)
	}

	result, err := d.runRounds(ctx, wire.StageKeygen, h, s)
	if err != nil {
		return nil, err
	}

	share, err := d.engine.KeyShare(d.self, p.Parties, p.Threshold, result)
	if err != nil {
		return nil, &ProtocolError{Stage: wire.StageKeygen, Err: err}
	}
	d.logger.Info().Int("parties", len(p.Parties)).Uint16("threshold", p.Threshold).Msg("keygen completed")
	return share, nil
}

// Sign runs the offline stage and then the partial signature exchange.
// The partial stage starts only after the local offline stage succeeded.
func (d *Driver) Sign(ctx context.Context, p SignParams, offline, partial Stream) (signature.Result, error) {
	h, err := d.engine.Offline(p.Share, p.Signers, p.SessionID)
	if err != nil {
		return signature.Result{}, fmt.Errorf("failed to start offline stage: %w", err)
	}

	result, err := d.runRounds(ctx, wire.StageOffline, h, offline)
	if err != nil {
		return signature.Result{}, err
	}

	presig, err := d.engine.PreSignature(p.Share, result)
	if err != nil {
		return signature.Result{}, &ProtocolError{Stage: wire.StageOffline, Err: err}
	}
	d.logger.Debug().Int("signers", len(p.Signers)).Msg("offline stage completed")

	return d.exchangePartials(ctx, presig, p.Signers, p.Hash, partial)
}

// runRounds feeds routed messages into h and publishes its output until the
// handler finishes.
func (d *Driver) runRounds(ctx context.Context, stage wire.Stage, h Handler, s Stream) (interface{}, error) {
	log := d.logger.With().Str("stage", string(stage)).Logger()
	outgoing := h.Listen()
	in := s.In

	for {
		select {
		case msg, ok := <-outgoing:
			if !ok {
				result, err := h.Result()
				if err != nil {
					return nil, toProtocolError(stage, err)
				}
				return result, nil
			}
			env, err := d.encodeRound(stage, msg)
			if err != nil {
				h.Stop()
				return nil, &ProtocolError{Stage: stage, Err: err}
			}
			select {
			case s.Out <- env:
			case <-ctx.Done():
				h.Stop()
				return nil, ctx.Err()
			}

		case routed, ok := <-in:
			if !ok {
				// no more inbound traffic, keep draining the handler
				in = nil
				continue
			}
			if routed.Message.Round == nil {
				continue
			}
			msg, err := fromRound(routed.Message.Round)
			if err != nil {
				h.Stop()
				return nil, &ProtocolError{Stage: stage, Err: err}
			}
			if string(msg.From) != routed.Sender.String() {
				log.Warn().Uint16("sender", uint16(routed.Sender)).Str("from", string(msg.From)).
					Msg("round message sender does not match envelope, ignoring")
				continue
			}
			if !h.CanAccept(msg) {
				log.Debug().Uint16("sender", uint16(routed.Sender)).Uint16("round", routed.Message.Round.Round).
					Msg("engine rejected message")
				continue
			}
			h.Accept(msg)

		case <-ctx.Done():
			h.Stop()
			return nil, ctx.Err()
		}
	}
}

func (d *Driver) encodeRound(stage wire.Stage, msg *protocol.Message) (wire.Envelope, error) {
	round, to, err := toRound(msg)
	if err != nil {
		return wire.Envelope{}, err
	}
	sm := wire.KeygenRound(round)
	if stage == wire.StageOffline {
		sm = wire.OfflineStageRound(round)
	}
	return wire.Encode(d.self, to, sm)
}

// exchangePartials broadcasts the local partial signature, waits for one
// distinct partial from every other signer and combines them.
func (d *Driver) exchangePartials(ctx context.Context, presig PreSignature, signers wire.PartySet, hash []byte, s Stream) (signature.Result, error) {
	log := d.logger.With().Str("stage", string(wire.StagePartial)).Logger()

	own, err := presig.Share(hash)
	if err != nil {
		return signature.Result{}, &ProtocolError{Stage: wire.StagePartial, Err: err}
	}
	env, err := wire.Encode(d.self, nil, wire.Partial(&wire.PartialSignature{Signer: d.self, Share: own}))
	if err != nil {
		return signature.Result{}, &ProtocolError{Stage: wire.StagePartial, Err: err}
	}
	select {
	case s.Out <- env:
	case <-ctx.Done():
		return signature.Result{}, ctx.Err()
	}

	shares := map[wire.PartyIndex][]byte{d.self: own}
	for len(shares) < len(signers) {
		select {
		case routed, ok := <-s.In:
			if !ok {
				return signature.Result{}, &ProtocolError{
					Stage: wire.StagePartial,
					Err:   fmt.Errorf("inbound stream closed with %d of %d partial signatures", len(shares), len(signers)),
				}
			}
			p := routed.Message.Partial
			switch {
			case p == nil:
				continue
			case p.Signer != routed.Sender:
				log.Warn().Uint16("sender", uint16(routed.Sender)).Uint16("signer", uint16(p.Signer)).
					Msg("partial signature signer does not match envelope, ignoring")
				continue
			case !signers.Contains(p.Signer):
				log.Warn().Uint16("signer", uint16(p.Signer)).Msg("partial signature from non-signer, ignoring")
				continue
			}
			if _, dup := shares[p.Signer]; dup {
				log.Debug().Uint16("signer", uint16(p.Signer)).Msg("duplicate partial signature, ignoring")
				continue
			}
			shares[p.Signer] = p.Share
		case <-ctx.Done():
			return signature.Result{}, ctx.Err()
		}
	}

	res, err := presig.Combine(shares, hash)
	if err != nil {
		return signature.Result{}, toProtocolError(wire.StagePartial, err)
	}
	log.Info().Int("signers", len(signers)).Msg("signature combined")
	return res, nil
}

func toProtocolError(stage wire.Stage, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	out := &ProtocolError{Stage: stage, Err: err}
	var engineErr *protocol.Error
	if errors.As(err, &engineErr) {
		out.Culprits = partyIndexes(engineErr.Culprits)
	}
	return out
}

package jobs

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/ceremony"
	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/keyshare"
	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Runner runs ceremonies. *ceremony.Coordinator implements it.
type Runner interface {
	RunKeygen(ctx context.Context, req ceremony.KeygenRequest) (*engine.KeyShare, error)
	RunSign(ctx context.Context, req ceremony.SignRequest) (signature.Encoded, error)
}

var _ Runner = (*ceremony.Coordinator)(nil)

// RunnerFactory returns the runner for a relay address. An empty address
// selects the node's default transport.
type RunnerFactory func(relayAddress string) (Runner, error)

// Handler executes one job message.
type Handler struct {
	runners RunnerFactory
	keys    keyshare.SecretStore
	logger  zerolog.Logger
}

// NewHandler creates a job handler.
func NewHandler(runners RunnerFactory, keys keyshare.SecretStore, logger zerolog.Logger) *Handler {
	return &Handler{
		runners: runners,
		keys:    keys,
		logger:  logger.With().Str("component", "tss_jobs").Logger(),
	}
}

// Handle parses body and runs the job to completion.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	action, err := parseAction(body)
	if err != nil {
		return err
	}

	switch action {
	case ActionKeygenStart, ActionKeygenJoin:
		p, err := parseKeygen(body)
		if err != nil {
			return err
		}
		return h.keygen(ctx, action, p)
	case ActionSignStart, ActionSignApprove:
		p, err := parseSign(body)
		if err != nil {
			return err
		}
		return h.sign(ctx, action, p)
	default:
		return errors.Wrap(ErrUnknownAction, action)
	}
}

func (h *Handler) keygen(ctx context.Context, action string, p KeygenParams) error {
	log := h.logger.With().Str("action", action).Str("room_id", p.RoomID).Str("key_id", p.KeyID).Logger()

	runner, err := h.runners(p.RelayAddress)
	if err != nil {
		return errors.Wrapf(err, "no transport for relay %q", p.RelayAddress)
	}

	log.Info().
		Uint16("party", p.ParticipantIndex).
		Uint16("threshold", p.ParticipantsThreshold).
		Uint16("count", p.ParticipantsCount).
		Msg("keygen job received")

	share, err := runner.RunKeygen(ctx, ceremony.KeygenRequest{
		RoomID:       p.RoomID,
		OwnerID:      p.UserID,
		KeyID:        p.KeyID,
		Party:        wire.PartyIndex(p.ParticipantIndex),
		Threshold:    p.ParticipantsThreshold,
		PartiesCount: p.ParticipantsCount,
		Timeout:      timeoutOf(p.TimeoutSeconds),
		Persist: func(ctx context.Context, share *engine.KeyShare) error {
			return h.keys.Store(ctx, p.UserID, p.KeyID, share)
		},
	})
	if err != nil {
		return errors.Wrap(err, "keygen ceremony failed")
	}
	log.Info().Hex("public_key", share.PublicKey).Msg("keyshare stored")
	return nil
}

func (h *Handler) sign(ctx context.Context, action string, p SignParams) error {
	log := h.logger.With().Str("action", action).Str("room_id", p.RoomID).Str("key_id", p.KeyID).Logger()

	hash, err := p.Hash()
	if err != nil {
		return err
	}
	share, err := h.keys.Fetch(ctx, p.UserID, p.KeyID)
	if err != nil {
		return errors.Wrap(err, "failed to fetch keyshare")
	}
	runner, err := h.runners(p.RelayAddress)
	if err != nil {
		return errors.Wrapf(err, "no transport for relay %q", p.RelayAddress)
	}

	log.Info().Interface("participants", p.ParticipantsIndexes).Msg("sign job received")

	sig, err := runner.RunSign(ctx, ceremony.SignRequest{
		RoomID:       p.RoomID,
		OwnerID:      p.UserID,
		KeyID:        p.KeyID,
		Share:        share,
		Participants: p.Participants(),
		Hash:         hash,
		ChainID:      p.ChainID,
		Timeout:      timeoutOf(p.TimeoutSeconds),
	})
	if err != nil {
		return errors.Wrap(err, "sign ceremony failed")
	}
	log.Info().Str("signature", sig.String()).Msg("signature produced")
	return nil
}

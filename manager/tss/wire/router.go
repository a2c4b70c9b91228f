package wire

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultStageBuffer is the capacity of each per-stage inbound channel.
const DefaultStageBuffer = 1024

// Drop reasons reported to DropFunc.
const (
	DropUnknownStage = "unknown_stage"
	DropAmbiguous    = "ambiguous"
	DropNotForUs     = "not_for_us"
	DropNoSubscriber = "no_subscriber"
	DropSelfSender   = "self_sender"
)

// Routed is an inbound message after demultiplexing.
type Routed struct {
	Sender   PartyIndex
	Receiver *PartyIndex
	Message  StageMessage
}

// DropFunc observes envelopes the router discards.
type DropFunc func(reason string)

// Router demultiplexes one inbound envelope stream into per-stage channels.
type Router struct {
	self   PartyIndex
	logger zerolog.Logger
	onDrop DropFunc

	mu   sync.RWMutex
	subs map[Stage]chan Routed
}

// NewRouter creates a router for the local party.
func NewRouter(self PartyIndex, logger zerolog.Logger) *Router {
	return &Router{
		self:   self,
		logger: logger.With().Str("component", "tss_router").Uint16("party", uint16(self)).Logger(),
		subs:   make(map[Stage]chan Routed),
	}
}

// OnDrop registers a callback invoked for every discarded envelope.
func (r *Router) OnDrop(fn DropFunc) {
	r.onDrop = fn
}

// Subscribe returns the inbound channel for stage, creating it on first use.
func (r *Router) Subscribe(stage Stage, buffer int) <-chan Routed {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[stage]; ok {
		return ch
	}
	if buffer <= 0 {
		buffer = DefaultStageBuffer
	}
	ch := make(chan Routed, buffer)
	r.subs[stage] = ch
	return ch
}

// Dispatch decodes env and delivers it to its stage channel, blocking while
// that channel is full. Undecodable or foreign envelopes are dropped and
// reported through the returned error; callers treat that as non-fatal.
// The only fatal result is a cancelled context.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	if env.Sender == r.self {
		r.drop(DropSelfSender)
		return nil
	}
	if !env.IsFor(r.self) {
		r.drop(DropNotForUs)
		return nil
	}

	msg, err := Decode(env)
	if err != nil {
		reason := DropUnknownStage
		if errors.Is(err, ErrAmbiguous) {
			reason = DropAmbiguous
			r.logger.Error().Err(err).Uint16("sender", uint16(env.Sender)).
				Msg("overlapping stage schemas, dropping envelope")
		} else {
			r.logger.Warn().Err(err).Uint16("sender", uint16(env.Sender)).
				Str("stage", string(env.Stage)).Msg("dropping malformed envelope")
		}
		r.drop(reason)
		return errors.Wrapf(err, "envelope from party %d dropped", env.Sender)
	}

	r.mu.RLock()
	ch, ok := r.subs[msg.Stage]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug().Str("stage", string(msg.Stage)).Uint16("sender", uint16(env.Sender)).
			Msg("no subscriber for stage, dropping envelope")
		r.drop(DropNoSubscriber)
		return nil
	}

	select {
	case ch <- Routed{Sender: env.Sender, Receiver: env.Receiver, Message: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) drop(reason string) {
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}

// Merge multiplexes the given outbound streams into one. Each input is
// forwarded in order by its own goroutine, so FIFO holds within a stream
// while different streams interleave first-ready-first-served. The result
// closes once every input has closed or ctx is done.
func Merge(ctx context.Context, inputs ...<-chan Envelope) <-chan Envelope {
	out := make(chan Envelope)
	var wg sync.WaitGroup
	wg.Add(len(inputs))

	for _, in := range inputs {
		go func(in <-chan Envelope) {
			defer wg.Done()
			for {
				select {
				case env, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

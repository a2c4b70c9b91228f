package ceremony

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Loop names used in TransportClosedError.
const (
	LoopSender   = "sender"
	LoopSplitter = "splitter"
)

var (
	// ErrNotMember is matched by every MembershipError.
	ErrNotMember = errors.New("local party is not a ceremony participant")
	// ErrInvalidRequest is matched by request validation failures.
	ErrInvalidRequest = errors.New("invalid ceremony request")
)

// ProtocolError is an engine failure, see engine.ProtocolError.
type ProtocolError = engine.ProtocolError

// MembershipError is returned before any I/O when the local party is not
// part of the ceremony.
type MembershipError struct {
	Party        wire.PartyIndex
	Participants wire.PartySet
}

func (e *MembershipError) Error() string {
	return fmt.Sprintf("party %d is not in participants %v", e.Party, e.Participants)
}

func (e *MembershipError) Is(target error) bool {
	return target == ErrNotMember
}

// TransportClosedError reports that the outbound sender or the inbound
// splitter ended before the protocol driver finished.
type TransportClosedError struct {
	Loop string
	Err  error
}

func (e *TransportClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport closed: %s loop ended: %v", e.Loop, e.Err)
	}
	return fmt.Sprintf("transport closed: %s loop ended", e.Loop)
}

func (e *TransportClosedError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the ceremony deadline elapsed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ceremony timed out after %s", e.After)
}

// Timeout lets callers detect the error through net.Error style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

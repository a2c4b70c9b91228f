// Package eventstore persists ceremony lifecycle events.
package eventstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pushchain/push-tss-manager/manager/store"
	"github.com/pushchain/push-tss-manager/manager/tss/status"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// ErrNotFound is returned when no ceremony matches.
var ErrNotFound = errors.New("ceremony not found")

// interruptedMsg is recorded for ceremonies a restart cut short.
const interruptedMsg = "interrupted by node restart"

// Store provides database access for ceremony records.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

var _ status.Observer = (*Store)(nil)

// NewStore creates a new event store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "event_store").Logger(),
	}
}

// KindOf maps an event action to a ceremony kind.
func KindOf(action status.Action) string {
	if action == status.ActionSign {
		return store.KindSign
	}
	return store.KindKeygen
}

// CreateCeremony stores a new ceremony. Returns an error if it already exists.
func (s *Store) CreateCeremony(c *store.Ceremony) error {
	if err := s.db.Create(c).Error; err != nil {
		return errors.Wrapf(err, "failed to create %s ceremony %s", c.Kind, c.RoomID)
	}
	s.logger.Debug().Str("room_id", c.RoomID).Str("kind", c.Kind).Msg("stored new ceremony")
	return nil
}

// GetCeremony retrieves a ceremony by room and kind.
func (s *Store) GetCeremony(roomID, kind string) (*store.Ceremony, error) {
	var c store.Ceremony
	err := s.db.Where("room_id = ? AND kind = ?", roomID, kind).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query ceremony %s", roomID)
	}
	return &c, nil
}

// ListByRoom returns every ceremony recorded for roomID.
func (s *Store) ListByRoom(roomID string) ([]store.Ceremony, error) {
	var out []store.Ceremony
	if err := s.db.Where("room_id = ?", roomID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query ceremonies in room %s", roomID)
	}
	return out, nil
}

// ListByStatus returns ceremonies with the given status, newest first. An
// empty status matches all.
func (s *Store) ListByStatus(st string, limit int) ([]store.Ceremony, error) {
	var out []store.Ceremony
	query := s.db.Order("updated_at DESC")
	if st != "" {
		query = query.Where("status = ?", st)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query ceremonies with status %q", st)
	}
	return out, nil
}

// UpdateStatus updates the status of a ceremony.
func (s *Store) UpdateStatus(roomID, kind, st, errorMsg string) error {
	update := map[string]any{"status": st}
	if errorMsg != "" {
		update["error_msg"] = errorMsg
	}
	result := s.db.Model(&store.Ceremony{}).
		Where("room_id = ? AND kind = ?", roomID, kind).
		Updates(update)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update ceremony %s", roomID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "ceremony %s", roomID)
	}
	return nil
}

// Notify records ev, creating the ceremony row on its first event.
func (s *Store) Notify(ctx context.Context, ev status.Event) error {
	kind := KindOf(ev.Action)
	fields := map[string]any{
		"status":         string(ev.Status),
		"active_indexes": FormatIndexes(ev.ActiveIndexes),
	}
	var result, errorMsg string
	if ev.Result != nil {
		if ev.Status == status.StatusFinished {
			result = *ev.Result
			fields["result"] = result
		} else {
			errorMsg = *ev.Result
			fields["error_msg"] = errorMsg
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.Ceremony
		err := tx.Where("room_id = ? AND kind = ?", ev.RoomID, kind).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c := store.Ceremony{
				RoomID:        ev.RoomID,
				Kind:          kind,
				OwnerID:       ev.OwnerID,
				KeyID:         ev.KeyID,
				Status:        string(ev.Status),
				ActiveIndexes: FormatIndexes(ev.ActiveIndexes),
				Result:        result,
				ErrorMsg:      errorMsg,
			}
			return errors.Wrapf(tx.Create(&c).Error, "failed to record ceremony %s", ev.RoomID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to query ceremony %s", ev.RoomID)
		}
		if status.Status(existing.Status).Terminal() && !ev.Status.Terminal() {
			// late progress event after the outcome was recorded
			return nil
		}
		return errors.Wrapf(tx.Model(&existing).Updates(fields).Error, "failed to update ceremony %s", ev.RoomID)
	})
}

// MarkInterrupted fails every ceremony still in progress. Called on startup,
// since ceremony sessions do not survive a restart.
func (s *Store) MarkInterrupted() (int64, error) {
	result := s.db.Model(&store.Ceremony{}).
		Where("status IN ?", []string{string(status.StatusCreated), string(status.StatusStarted)}).
		Updates(map[string]any{"status": string(status.StatusError), "error_msg": interruptedMsg})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to mark interrupted ceremonies")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("count", result.RowsAffected).Msg("marked interrupted ceremonies as failed")
	}
	return result.RowsAffected, nil
}

// ClearFinishedBefore deletes terminal ceremonies last updated before cutoff.
func (s *Store) ClearFinishedBefore(cutoff time.Time) (int64, error) {
	terminal := []string{string(status.StatusFinished), string(status.StatusError), string(status.StatusTimeout)}
	result := s.db.Unscoped().
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Delete(&store.Ceremony{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to clear finished ceremonies")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("deleted_count", result.RowsAffected).Msg("cleared finished ceremonies")
	}
	return result.RowsAffected, nil
}

// FormatIndexes renders party indexes as a comma separated list.
func FormatIndexes(idx []wire.PartyIndex) string {
	parts := make([]string, len(idx))
	for i, p := range idx {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// ParseIndexes is the inverse of FormatIndexes.
func ParseIndexes(s string) ([]wire.PartyIndex, error) {
	if s == "" {
		return []wire.PartyIndex{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]wire.PartyIndex, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid party index %q", p)
		}
		out = append(out, wire.PartyIndex(v))
	}
	return out, nil
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pushchain/push-tss-manager/manager/store"
	"github.com/pushchain/push-tss-manager/manager/tss/eventstore"
)

const maxListLimit = 500

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "UNHEALTHY", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCeremonies handles GET /api/v1/ceremonies?status=<status>&limit=<n>
func (s *Server) handleCeremonies(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ceremonies == nil {
		writeError(w, http.StatusServiceUnavailable, "ceremony store not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.opts.Ceremonies.ListByStatus(r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list ceremonies")
		writeError(w, http.StatusInternalServerError, "failed to list ceremonies")
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: toViews(records)})
}

// handleCeremony handles GET /api/v1/ceremonies/{room_id}
func (s *Server) handleCeremony(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ceremonies == nil {
		writeError(w, http.StatusServiceUnavailable, "ceremony store not configured")
		return
	}
	roomID := mux.Vars(r)["room_id"]
	records, err := s.opts.Ceremonies.ListByRoom(roomID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to load ceremony")
		writeError(w, http.StatusInternalServerError, "failed to load ceremony")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no ceremony found for room "+roomID)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: toViews(records)})
}

// handleKeys handles GET /api/v1/keys/{owner_id}
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "secret store not configured")
		return
	}
	ownerID := mux.Vars(r)["owner_id"]
	keys, err := s.opts.Keys.List(ownerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: KeysView{OwnerID: ownerID, KeyIDs: keys}})
}

func toViews(records []store.Ceremony) []CeremonyView {
	out := make([]CeremonyView, 0, len(records))
	for _, c := range records {
		v := CeremonyView{
			RoomID:        c.RoomID,
			Kind:          c.Kind,
			OwnerID:       c.OwnerID,
			KeyID:         c.KeyID,
			Status:        c.Status,
			ActiveIndexes: []uint16{},
			Result:        c.Result,
			Error:         c.ErrorMsg,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}
		if idx, err := eventstore.ParseIndexes(c.ActiveIndexes); err == nil {
			for _, i := range idx {
				v.ActiveIndexes = append(v.ActiveIndexes, uint16(i))
			}
		}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

// Package handlers exposes the ledger read endpoints and the journal group
// collapse toggle consumed by the dashboard.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/ledger"
)

// Handler handles ledger HTTP requests.
type Handler struct {
	engine *ledger.Engine
	log    zerolog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(engine *ledger.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleGetBalances handles GET /api/balances. An optional as_of query
// parameter (RFC 3339) moves the point in time; default is now.
func (h *Handler) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := domain.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, "Invalid as_of timestamp", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	balances, err := h.engine.Balances(asOf, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query balances")
		http.Error(w, "Failed to query balances", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"balances": balances,
			"count":    len(balances),
			"as_of":    domain.FormatUTC(asOf),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetGroups handles GET /api/ledger/groups.
func (h *Handler) HandleGetGroups(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	groups, err := h.engine.GroupedTrades(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query journal groups")
		http.Error(w, "Failed to query journal groups", http.StatusInternalServerError)
		return
	}

	payload := make([]map[string]interface{}, 0, len(groups))
	for _, g := range groups {
		payload = append(payload, map[string]interface{}{
			"group_id":   g.GroupID,
			"symbol":     g.Symbol,
			"action":     g.Action,
			"first_seen": domain.FormatMillisUTC(g.FirstSeen),
			"gross":      g.Gross,
			"collapsed":  g.Collapsed,
			"legs":       g.Legs,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"groups": payload,
			"count":  len(payload),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetGroupLegs handles GET /api/ledger/groups/{groupID}/legs.
func (h *Handler) HandleGetGroupLegs(w http.ResponseWriter, r *http.Request, groupID string) {
	legs, err := h.engine.LegsForGroup(groupID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query group legs")
		http.Error(w, "Failed to query group legs", http.StatusInternalServerError)
		return
	}
	if len(legs) == 0 {
		http.Error(w, "Group not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"group_id": groupID,
			"legs":     legs,
			"count":    len(legs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleSetGroupCollapsed handles POST /api/ledger/groups/{groupID}/collapsed.
func (h *Handler) HandleSetGroupCollapsed(w http.ResponseWriter, r *http.Request, groupID string) {
	var body struct {
		Collapsed bool `json:"collapsed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.SetGroupCollapsed(groupID, body.Collapsed); err != nil {
		h.log.Error().Err(err).Msg("Failed to set group collapse state")
		http.Error(w, "Failed to set group collapse state", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"group_id":  groupID,
			"collapsed": body.Collapsed,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetLegs handles GET /api/ledger/legs with optional account, symbol,
// group_id, from, to, and limit filters.
func (h *Handler) HandleGetLegs(w http.ResponseWriter, r *http.Request) {
	filter := ledger.LegFilter{
		Account: r.URL.Query().Get("account"),
		Symbol:  r.URL.Query().Get("symbol"),
		GroupID: r.URL.Query().Get("group_id"),
		Limit:   100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := domain.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		filter.From = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := domain.ParseTimestamp(raw)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		filter.To = parsed
	}

	legs, err := h.engine.QueryLegs(filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query ledger legs")
		http.Error(w, "Failed to query ledger legs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"legs":  legs,
			"count": len(legs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

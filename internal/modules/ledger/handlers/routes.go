package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/balances", h.HandleGetBalances)

	r.Route("/ledger", func(r chi.Router) {
		// Journal group endpoints
		r.Get("/groups", h.HandleGetGroups)
		r.Get("/groups/{groupID}/legs", func(w http.ResponseWriter, r *http.Request) {
			groupID := chi.URLParam(r, "groupID")
			h.HandleGetGroupLegs(w, r, groupID)
		})
		r.Post("/groups/{groupID}/collapsed", func(w http.ResponseWriter, r *http.Request) {
			groupID := chi.URLParam(r, "groupID")
			h.HandleSetGroupCollapsed(w, r, groupID)
		})

		// Raw leg queries
		r.Get("/legs", h.HandleGetLegs)
	})
}

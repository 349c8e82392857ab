package handlers

import "net/http"

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.products.List())
}

package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"fieldsync/internal/domain"
)

func (a *API) handleListStock(w http.ResponseWriter, r *http.Request) {
	records, err := a.service.ListStock(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": records})
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	record, err := a.service.Stock(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	movements, err := a.service.Movements(r.Context(), mux.Vars(r)["productId"], limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.VerifyBalance(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAddStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AddStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.AddStock(r.Context(), mux.Vars(r)["productId"], req, idempotencyKey(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeMovement(w, result)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.AdjustStock(r.Context(), mux.Vars(r)["productId"], req, idempotencyKey(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeMovement(w, result)
}

func writeMovement(w http.ResponseWriter, result domain.MovementResult) {
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

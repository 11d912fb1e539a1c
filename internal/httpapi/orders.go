package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"fieldsync/internal/domain"
)

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r)

	result, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	orders, err := a.service.ListOrders(r.Context(), domain.OrderFilter{
		Status: domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		ShopID: strings.TrimSpace(query.Get("shop_id")),
		AreaID: strings.TrimSpace(query.Get("area_id")),
		Limit:  parsePositiveLimit(query.Get("limit"), 50, 500),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelOrderRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.CancelOrder(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateOrderStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.UpdateOrderStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/reservation"
	"github.com/reservehq/holdflow/service"
)

type startRequest struct {
	SeatID string `json:"seat_id"`
	UserID string `json:"user_id,omitempty"`
}

type startResponse struct {
	ReservationID string `json:"reservation_id"`
}

func newHandler(svc *service.Service, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /reservations", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SeatID == "" {
			writeError(w, http.StatusBadRequest, "seat_id is required")
			return
		}

		id, err := svc.StartHold(r.Context(), req.SeatID, req.UserID)
		if err != nil {
			logger.Error("starting hold", "error", err)
			writeError(w, http.StatusInternalServerError, "could not create hold")
			return
		}

		writeJSON(w, http.StatusCreated, startResponse{ReservationID: id})
	})

	mux.HandleFunc("POST /reservations/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Confirm(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, backend.ErrReservationNotFound):
			writeError(w, http.StatusNotFound, "reservation not found")
		case errors.Is(err, reservation.ErrAlreadyExpired):
			writeError(w, http.StatusConflict, "reservation already expired")
		case err != nil:
			logger.Error("confirming reservation", "error", err)
			writeError(w, http.StatusInternalServerError, "could not confirm reservation")
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	mux.HandleFunc("GET /reservations/{id}", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Get(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, backend.ErrReservationNotFound):
			writeError(w, http.StatusNotFound, "reservation not found")
		case err != nil:
			logger.Error("reading reservation", "error", err)
			writeError(w, http.StatusInternalServerError, "could not read reservation")
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

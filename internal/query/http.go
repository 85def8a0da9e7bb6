package query

import (
	"AuctionLedger/internal/auction"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Mount attaches the read endpoints:
//
//	GET /v1/auctions/{id}
//	GET /v1/auctions/{id}/price?consistency=cached|authoritative
//	GET /v1/auctions/{id}/bids
//	GET /v1/auctions/{id}/winner
//	GET /v1/violations?auction_id=&user_id=&status=&limit=
func (s *Service) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/auctions/{id}", s.handleAuction)
		r.Get("/auctions/{id}/price", s.handlePrice)
		r.Get("/auctions/{id}/bids", s.handleBids)
		r.Get("/auctions/{id}/winner", s.handleWinner)
		r.Get("/violations", s.handleViolations)
	})
}

func (s *Service) handleAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	a, err := s.Auction(r.Context(), id)
	respond(w, a, err)
}

func (s *Service) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	p, err := s.CurrentPrice(r.Context(), id, ParseConsistency(r.URL.Query().Get("consistency")))
	respond(w, p, err)
}

func (s *Service) handleBids(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	bids, err := s.Bids(r.Context(), id)
	respond(w, bids, err)
}

func (s *Service) handleWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	win, err := s.Winner(r.Context(), id)
	respond(w, win, err)
}

func (s *Service) handleViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := auction.ViolationFilter{
		UserID: q.Get("user_id"),
		Status: auction.ViolationStatus(q.Get("status")),
		Limit:  100,
	}
	if raw := q.Get("auction_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid auction_id")
			return
		}
		f.AuctionID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	vs, err := s.Violations(r.Context(), f)
	respond(w, vs, err)
}

func auctionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction id")
		return uuid.Nil, false
	}
	return id, true
}

func respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		var ve *auction.ValidationError
		switch {
		case errors.Is(err, auction.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"metalwatch/internal/service"
	"metalwatch/internal/version"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": version.Get(),
		"time":    time.Now().UTC(),
	}
	if s.opts.DB != nil {
		if err := s.opts.DB.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check: database unreachable")
			writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.backend.AllCurrentPrices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.backend.CurrentPrice(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	updated, err := s.backend.ForceRefresh(r.Context())
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %w", service.ErrUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := timeParam(q.Get("from"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := timeParam(q.Get("to"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	points, err := s.backend.History(r.Context(), service.HistoryRequest{
		Symbol: mux.Vars(r)["symbol"],
		From:   from,
		To:     to,
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	signals, err := s.backend.ListSignals(r.Context(), service.SignalQuery{
		Symbol: q.Get("symbol"),
		Status: q.Get("status"),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	var in service.NewSignal
	if err := decodeBody(r, &in, false); err != nil {
		s.fail(w, r, err)
		return
	}
	sig, err := s.backend.CreateSignal(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidateLedger()
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.backend.GetSignal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.backend.CancelSignal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidateLedger()
	writeJSON(w, http.StatusOK, sig)
}

type closeRequest struct {
	ExitPrice decimal.NullDecimal `json:"exit_price"`
}

func (s *Server) handleCloseSignal(w http.ResponseWriter, r *http.Request) {
	var in closeRequest
	if err := decodeBody(r, &in, true); err != nil {
		s.fail(w, r, err)
		return
	}
	trade, err := s.backend.CloseSignal(r.Context(), mux.Vars(r)["id"], in.ExitPrice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidateLedger()
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.backend.ListTrades(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Statistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	event := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", requestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", service.ErrInvalidInput)
	}
	return n, nil
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not RFC3339", service.ErrInvalidInput, raw)
	}
	return t, nil
}

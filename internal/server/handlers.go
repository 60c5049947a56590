package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/session"
	"codeberg.org/mutker/droidmon/internal/storage"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 64 << 10

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	var body createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, errFactory.Wrap(ErrInvalidArgument, err))
		return
	}

	req := session.CreateRequest{Targets: make([]metrics.AppTarget, 0, len(body.Targets))}
	for _, t := range body.Targets {
		req.Targets = append(req.Targets, metrics.NewAppTarget(t.Package, t.Name))
	}

	var err error
	if req.Interval, err = parseDuration(body.Interval); err != nil {
		s.writeError(w, err)
		return
	}
	if req.MaxDuration, err = parseDuration(body.MaxDuration); err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.sessions.Create(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) controlSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var err error
	switch vars["action"] {
	case "start":
		err = s.sessions.Start(id)
	case "pause":
		err = s.sessions.Pause(id)
	case "resume":
		err = s.sessions.Resume(id)
	case "stop":
		err = s.sessions.Stop(id)
	case "close":
		if err = s.sessions.Close(id); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) querySamples(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "storage_disabled", Message: "Storage is disabled"})
		return
	}

	q := storage.SampleQuery{
		SessionID: mux.Vars(r)["id"],
		Package:   r.URL.Query().Get("package"),
	}
	if name := r.URL.Query().Get("kind"); name != "" {
		kind, ok := metrics.ParseKind(name)
		if !ok {
			s.writeError(w, errors.New().WithData(ErrInvalidArgument, struct{ Kind string }{name}))
			return
		}
		q.Kind = kind
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, errors.New().WithData(ErrInvalidArgument, struct{ Limit string }{limit}))
			return
		}
		q.Limit = n
	}

	samples, err := s.history.QuerySamples(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(samples))
}

func (s *Server) queryAlerts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "storage_disabled", Message: "Storage is disabled"})
		return
	}

	alerts, err := s.history.QueryAlerts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "storage_disabled", Message: "Storage is disabled"})
		return
	}

	records, err := s.history.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	if s.apps == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "device_unavailable", Message: "No device attached"})
		return
	}

	apps, err := s.apps.InstalledApps(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(apps))
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New().WithData(ErrInvalidArgument, struct {
			Duration string
			Error    string
		}{raw, err.Error()})
	}
	return d, nil
}

// statusOf maps error codes onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.HasCode(err, errors.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.HasCode(err, errors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.HasCode(err, errors.ErrInvalidConfig), errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.HasCode(err, errors.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrInternal
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

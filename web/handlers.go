package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/services"
)

const maxBodyBytes = 64 << 10

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.services.Device.ListDevices(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) HandleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	device, err := s.services.Device.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) HandleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.handleError(w, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := s.services.Device.GetDeviceEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) HandleQueue(w http.ResponseWriter, r *http.Request) {
	st, err := s.services.Command.GetQueueStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.services.Command.ListQueues()
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queues)
}

// HandleSendCommand accepts {action, data, priority, max_age, topic} for the
// device in the path.
func (s *Server) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req services.CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.handleError(w, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid command body", Cause: err})
		return
	}
	req.DeviceID = chi.URLParam(r, "id")

	receipt, err := s.services.Command.SendCommand(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) HandleTrust(w http.ResponseWriter, r *http.Request) {
	caps, err := s.services.Device.Trust(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, caps)
}

func (s *Server) HandleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.services.Topic.ListTopics()
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, topics)
}

func (s *Server) HandleTransports(w http.ResponseWriter, r *http.Request) {
	transports, err := s.services.Transport.ListTransports()
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transports)
}

func (s *Server) HandleTransportDetail(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		s.handleError(w, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Transport index must be a number"})
		return
	}
	transport, err := s.services.Transport.GetTransport(i)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transport)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to write response")
	}
}

// handleError handles service errors with proper HTTP status codes
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if !errors.As(err, &serviceErr) {
		s.log.Error().Err(err).Msg("Unclassified error")
		s.writeJSON(w, http.StatusInternalServerError, services.ServiceError{Code: services.ErrCodeInternal, Message: "Internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch serviceErr.Code {
	case services.ErrCodeNotFound:
		status = http.StatusNotFound
	case services.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case services.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case services.ErrCodeUnroutable:
		status = http.StatusServiceUnavailable
	case services.ErrCodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Service error")
	} else {
		s.log.Debug().Err(err).Int("status", status).Msg("Request failed")
	}

	body := serviceErr
	if serviceErr.Cause != nil {
		body.Message = serviceErr.Error()
	}
	s.writeJSON(w, status, body)
}

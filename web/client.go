// Package web serves the hub's HTTP API.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mbocsi/fieldhub/broker"
	"github.com/mbocsi/fieldhub/services"
)

// Server exposes the services over HTTP and streams bus topics over
// WebSocket.
type Server struct {
	services *services.ServiceContainer
	bus      *broker.Broker
	metrics  http.Handler
	log      zerolog.Logger
}

type Option func(*Server)

func WithMetrics(h http.Handler) Option  { return func(s *Server) { s.metrics = h } }
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

func New(svc *services.ServiceContainer, bus *broker.Broker, opts ...Option) *Server {
	s := &Server{services: svc, bus: bus, log: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP routes of the API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.HandleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.HandleDevices)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/", s.HandleDeviceDetail)
			r.Get("/events", s.HandleDeviceEvents)
			r.Get("/queue", s.HandleQueue)
			r.Post("/commands", s.HandleSendCommand)
			r.Post("/trust", s.HandleTrust)
		})
		r.Get("/queues", s.HandleQueues)
		r.Get("/topics", s.HandleTopics)
		r.Get("/transports", s.HandleTransports)
		r.Get("/transports/{i}", s.HandleTransportDetail)
		r.Get("/stream/{topic}", s.HandleStream)
	})
	return r
}

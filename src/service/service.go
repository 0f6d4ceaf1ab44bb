package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/adamjohannes/ouroboros/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP view of a node's state. It is not part
// of the wire protocol; ring neighbours never talk to it.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService creates the status service for a node.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers on the service's own mux, so
// that multiple nodes can run their services inside one process.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering status API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving status API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the node's current state.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

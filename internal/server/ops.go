package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atwupack/hackage-server/internal/httputil"
	"github.com/atwupack/hackage-server/internal/metrics"
)

// startOps serves metrics and health on a separate listener so the main
// routing tree stays the exclusive surface of feature endpoints. An empty
// ops address disables the listener.
func (s *Server) startOps() {
	if s.cfg.OpsAddr == "" {
		return
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.opsSrv = &http.Server{Addr: s.cfg.OpsAddr, Handler: r}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", s.cfg.OpsAddr).Info("ops listener started")
		if err := s.opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("ops listener failed")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"features": len(s.features),
		"routes":   s.tree.Size(),
	})
}

package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/atwupack/hackage-server/internal/httputil"
	"github.com/atwupack/hackage-server/internal/logging"
)

const maintenanceBody = `<html>
<head><title>Server maintenance</title></head>
<body>
<h1>Server maintenance</h1>
<p>The server is currently being restored and will be back shortly.</p>
</body>
</html>
`

// Maintenance is a throwaway listener that answers every request with a
// fixed unavailable page while the main server performs a slow startup or
// import. It binds the main listen address only after a configured delay,
// so a fast startup never sees it at all.
type Maintenance struct {
	addr  string
	log   *logging.Logger
	stop  chan struct{}
	done  chan struct{}
	srvCh chan *http.Server // carries the bound server to Stop, nil if never bound

	stopOnce sync.Once
}

// StartMaintenance arranges for the maintenance listener to come up on
// addr after delay, unless stopped first.
func StartMaintenance(addr string, delay time.Duration, log *logging.Logger) *Maintenance {
	m := &Maintenance{
		addr:  addr,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		srvCh: make(chan *http.Server, 1),
	}

	go func() {
		defer close(m.done)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.stop:
			m.srvCh <- nil
			return
		case <-timer.C:
		}

		ln, err := net.Listen("tcp", m.addr)
		if err != nil {
			// The main server may already hold the address; either way
			// there is nothing useful to serve.
			m.log.WithError(err).Warn("maintenance listener could not bind")
			m.srvCh <- nil
			return
		}

		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteBytes(w, http.StatusServiceUnavailable, httputil.ContentTypeHTML, []byte(maintenanceBody))
		})}
		m.srvCh <- srv

		m.log.WithField("addr", m.addr).Info("maintenance listener answering")
		_ = srv.Serve(ln)
	}()

	return m
}

// Stop signals the listener to stop and waits up to wait for the socket
// to be released, so the main server can bind the same address. Safe to
// call more than once.
func (m *Maintenance) Stop(wait time.Duration) {
	m.stopOnce.Do(func() {
		close(m.stop)

		var srv *http.Server
		select {
		case srv = <-m.srvCh:
		case <-time.After(wait):
			return
		}
		if srv != nil {
			_ = srv.Close()
		}

		select {
		case <-m.done:
		case <-time.After(wait):
		}
	})
}

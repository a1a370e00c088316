// Package metrics exports the server's traffic counters and session
// gauges for Prometheus scraping, grounded on the metrics.Set /
// metrics.NewCounter wiring github.com/r2northstar/atlas's api0
// package uses for its own request counters.
package metrics

import (
	"io"
	"net/http"

	vm "github.com/VictoriaMetrics/metrics"
)

// Server holds every metric this tunnel server exposes.
type Server struct {
	set *vm.Set

	sessionsActive  *vm.Counter
	sessionsTotal   *vm.Counter
	vcsActive       *vm.Counter
	vcsTotal        *vm.Counter
	portsInUse      *vm.Counter
	bytesUpTotal    *vm.Counter
	bytesDownTotal  *vm.Counter
	authFailures    *vm.Counter
	reconnectEvents *vm.Counter
}

// NewServer builds a metric set with every counter pre-registered.
func NewServer() *Server {
	set := vm.NewSet()
	return &Server{
		set:             set,
		sessionsActive:  set.NewCounter(`rtun_sessions_active`),
		sessionsTotal:   set.NewCounter(`rtun_sessions_total`),
		vcsActive:       set.NewCounter(`rtun_virtual_connections_active`),
		vcsTotal:        set.NewCounter(`rtun_virtual_connections_total`),
		portsInUse:      set.NewCounter(`rtun_ports_in_use`),
		bytesUpTotal:    set.NewCounter(`rtun_bytes_up_total`),
		bytesDownTotal:  set.NewCounter(`rtun_bytes_down_total`),
		authFailures:    set.NewCounter(`rtun_auth_failures_total`),
		reconnectEvents: set.NewCounter(`rtun_reconnect_events_total`),
	}
}

func (s *Server) SessionOpened()        { s.sessionsActive.Inc(); s.sessionsTotal.Inc() }
func (s *Server) SessionClosed()        { s.sessionsActive.Dec() }
func (s *Server) VCOpened()             { s.vcsActive.Inc(); s.vcsTotal.Inc() }
func (s *Server) VCClosed()             { s.vcsActive.Dec() }
func (s *Server) PortAllocated()        { s.portsInUse.Inc() }
func (s *Server) PortReleased()         { s.portsInUse.Dec() }
func (s *Server) BytesUp(n int)         { s.bytesUpTotal.Add(n) }
func (s *Server) BytesDown(n int)       { s.bytesDownTotal.Add(n) }
func (s *Server) AuthFailure()          { s.authFailures.Inc() }
func (s *Server) ReconnectObserved()    { s.reconnectEvents.Inc() }
func (s *Server) WritePrometheus(w io.Writer) { s.set.WritePrometheus(w) }

// Handler returns an http.Handler serving this set in Prometheus
// exposition format, suitable for mounting on a debug mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.WritePrometheus(w)
	})
}

package httpjson

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/observability/tracing"
	"github.com/amirimatin/discv5-cli/pkg/transport"
)

// Server is a minimal HTTP server exposing /status, /healthz and /metrics.
type Server struct {
	bind   string
	logger logrus.FieldLogger
	tlsCfg *tls.Config

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer binds to the given TCP address (e.g., "127.0.0.1:9080").
func NewServer(bind string, logger logrus.FieldLogger) *Server {
	return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the management mux backed by status.
func Handler(status transport.StatusFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(status), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != "" {
		return s.addr
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.StatusServer = (*Server)(nil)

package entra

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
)

// redirectServer is the ephemeral localhost endpoint used as OAuth
// redirect URI when the caller provides none. It serves for the duration
// of a single flow and records the requests it receives.
type redirectServer struct {
	URL string

	server   *http.Server
	listener net.Listener

	mu   sync.Mutex
	last string
}

// startRedirectServer binds a random localhost port and starts serving
// in the background.
func startRedirectServer() (*redirectServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind redirect server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	server := &redirectServer{
		URL:      fmt.Sprintf("http://localhost:%d", port),
		listener: listener,
	}

	server.server = &http.Server{
		Handler:     http.HandlerFunc(server.handle),
		ReadTimeout: 500 * time.Millisecond,
	}

	go func() {
		if err := server.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Debug("redirect server stopped", "error", err)
		}
	}()

	return server, nil
}

func (s *redirectServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.last = r.URL.String()
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("you can close this window now"))
}

// LastRequest returns the most recently served request URI.
func (s *redirectServer) LastRequest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close tears the server down.
func (s *redirectServer) Close() {
	_ = s.server.Close()
}

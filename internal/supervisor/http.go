package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/animus-labs/warden/internal/platform/httpserver"
)

// HTTPService serves handler in process.
type HTTPService struct {
	srv *http.Server
}

func NewHTTPService(handler http.Handler) *HTTPService {
	return &HTTPService{srv: httpserver.NewServer(handler)}
}

func (h *HTTPService) Serve(ln net.Listener, ready func()) error {
	ready()
	if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HTTPService) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HTTPService) Kill() error {
	return h.srv.Close()
}

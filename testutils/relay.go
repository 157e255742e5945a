package testutils

import (
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/signage-sync/relay"
)

// NewRelayServer starts an in-process relay and returns its base URL. It is torn down when the
// test finishes.
func NewRelayServer(t *testing.T, cfg relay.Config) (url string, h *relay.Handler) {
	t.Helper()
	h = relay.NewHandler(cfg)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Teardown()
		srv.Close()
	})
	return srv.URL, h
}

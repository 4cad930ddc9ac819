package log

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPRoundTripLogger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := NewHTTPClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestRecoverPanic_RunsCleanup(t *testing.T) {
	t.Chdir(t.TempDir())

	cleaned := false
	func() {
		defer RecoverPanic("test", func() { cleaned = true })
		panic("boom")
	}()
	require.True(t, cleaned)
}

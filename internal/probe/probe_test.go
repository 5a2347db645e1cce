package probe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdm/zdm/internal/transfer"
)

func newProber() *Prober {
	return NewProber(&http.Client{}, "zdm-test/1.0", 5*time.Second)
}

// rangedMirror serves a fixed body with full Range support, the way
// httptest's ServeContent-backed handlers do.
func rangedMirror(t *testing.T, body []byte) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(body))
	}))
}

func TestProbe_RangedMirror(t *testing.T) {
	body := []byte("hello, segmented world")
	srv := rangedMirror(t, body)
	defer srv.Close()

	caps, err := newProber().Probe(context.Background(), []string{srv.URL})
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), caps.Size)
	assert.True(t, caps.SupportsRange)
	assert.Equal(t, srv.URL, caps.Primary)
	assert.Equal(t, []string{srv.URL}, caps.Ranged)
}

func TestProbe_NoRangeSupport(t *testing.T) {
	body := []byte("plain server, no ranges here")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores Range entirely and always answers 200 with the full body.
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)

		if r.Method != http.MethodHead {
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	caps, err := newProber().Probe(context.Background(), []string{srv.URL})
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), caps.Size)
	assert.False(t, caps.SupportsRange)
	assert.Empty(t, caps.Ranged)
}

func TestProbe_HeadRejected_SizeFromContentRange(t *testing.T) {
	body := []byte("HEAD is not welcome on this server")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	caps, err := newProber().Probe(context.Background(), []string{srv.URL})
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), caps.Size)
	assert.True(t, caps.SupportsRange)
}

func TestProbe_FallsBackToNextMirror(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	body := []byte("served by the second mirror")
	alive := rangedMirror(t, body)
	defer alive.Close()

	caps, err := newProber().Probe(context.Background(), []string{dead.URL, alive.URL})
	require.NoError(t, err)

	assert.Equal(t, alive.URL, caps.Primary)
	assert.Equal(t, int64(len(body)), caps.Size)
}

func TestProbe_AllMirrorsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newProber().Probe(context.Background(), []string{srv.URL, "http://127.0.0.1:1/missing"})
	require.Error(t, err)

	var srcErr *transfer.SourceUnavailableError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, 2, srcErr.Mirrors)
}

func TestProbe_MirrorsDisagreeOnSize(t *testing.T) {
	a := rangedMirror(t, make([]byte, 100))
	defer a.Close()

	b := rangedMirror(t, make([]byte, 200))
	defer b.Close()

	_, err := newProber().Probe(context.Background(), []string{a.URL, b.URL})
	require.Error(t, err)

	var mismatch *transfer.InconsistentMirrorError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, int64(100), mismatch.SizeA)
	assert.Equal(t, int64(200), mismatch.SizeB)
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int64
	}{
		{name: "normal", header: "bytes 0-0/12345", want: 12345},
		{name: "unknown total", header: "bytes 0-0/*", want: -1},
		{name: "empty", header: "", want: -1},
		{name: "garbage", header: "bytes zero", want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseContentRangeTotal(tt.header))
		})
	}
}

package dispatcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/dispatcher"
	"github.com/sgl-project/router/pkg/router"
	"github.com/sgl-project/router/pkg/stats"
)

func TestDispatch_ProxiesResponseBodyAndStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	reqStats := stats.NewCollector()
	d := dispatcher.New(reqStats, nil)

	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, router.Decision{URL: upstream.URL}, http.MethodPost, "/v1/completions", http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, int64(0), reqStats.InFlight(upstream.URL))
}

func TestDispatch_RecordsTTFTOnFirstByte(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("chunk"))
	}))
	defer upstream.Close()

	reqStats := stats.NewCollector()
	d := dispatcher.New(reqStats, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, d.Dispatch(context.Background(), rec, router.Decision{URL: upstream.URL}, http.MethodGet, "/", http.Header{}, nil))

	snap := reqStats.Snapshot(upstream.URL)
	assert.GreaterOrEqual(t, snap.TTFT, time.Duration(0))
}

func TestDispatch_UpstreamUnreachableReturnsConnectFailure(t *testing.T) {
	reqStats := stats.NewCollector()
	d := dispatcher.New(reqStats, nil)

	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, router.Decision{URL: "http://127.0.0.1:1"}, http.MethodGet, "/", http.Header{}, nil)
	require.Error(t, err)
}

func TestDispatch_StripsHopByHopHeaders(t *testing.T) {
	var gotConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reqStats := stats.NewCollector()
	d := dispatcher.New(reqStats, nil)

	hdr := http.Header{}
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Custom", "value")

	rec := httptest.NewRecorder()
	require.NoError(t, d.Dispatch(context.Background(), rec, router.Decision{URL: upstream.URL}, http.MethodGet, "/", hdr, nil))
	assert.Empty(t, gotConnection)
}

func TestDispatch_CallerDisconnectStopsCleanly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte("x"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer upstream.Close()

	reqStats := stats.NewCollector()
	d := dispatcher.New(reqStats, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := d.Dispatch(ctx, rec, router.Decision{URL: upstream.URL}, http.MethodGet, "/", http.Header{}, nil)
	assert.NoError(t, err)
}

func TestSleepController_SleepAndWake(t *testing.T) {
	var lastPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sc := dispatcher.NewSleepController(upstream.Client(), nil, "")
	require.NoError(t, sc.Sleep(context.Background(), "eng-1", upstream.URL))
	assert.Equal(t, "/sleep", lastPath)

	require.NoError(t, sc.Wake(context.Background(), "eng-1", upstream.URL))
	assert.Equal(t, "/wake_up", lastPath)
}

func TestSleepController_UpstreamErrorSurfaces(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	sc := dispatcher.NewSleepController(upstream.Client(), nil, "")
	err := sc.Sleep(context.Background(), "eng-1", upstream.URL)
	require.Error(t, err)
}

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/channel"
	"jobflow/internal/channel/memory"
	"jobflow/internal/processor"
	logx "jobflow/pkg/logx"
)

func newProcessor(t *testing.T, b *memory.Broker, name string) *processor.Processor {
	t.Helper()
	p, err := processor.New(context.Background(), processor.Config{
		Dialer:  b.Dial,
		Channel: processor.ChannelConfig{Name: name},
	}, processor.HandlerFunc(func(context.Context, *channel.Job) ([]channel.BulkJob, error) { return nil, nil }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestBoardListsChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.NewBroker()
	email := newProcessor(t, b, "email")
	tick := newProcessor(t, b, "tick")

	_, err := email.Queue().Add(ctx, "welcome", map[string]string{"to": "a@b.c"}, nil)
	require.NoError(t, err)
	rule := channel.Every(5 * time.Second)
	_, err = tick.Queue().Add(ctx, "tick", nil, &channel.JobOptions{Repeat: &rule})
	require.NoError(t, err)

	svc := New(Config{}, SourceFunc(func() []*processor.Processor {
		return []*processor.Processor{tick, email}
	}), nil, nil, logx.Nop())

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var board Board
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Len(t, board.Channels, 2)
	assert.Equal(t, "email", board.Channels[0].Name)
	require.NotNil(t, board.Channels[0].Counts)
	assert.EqualValues(t, 1, board.Channels[0].Counts.Waiting)
	assert.Equal(t, "tick", board.Channels[1].Name)
	require.Len(t, board.Channels[1].Rules, 1)
	assert.Equal(t, channel.RuleKey("tick", rule), board.Channels[1].Rules[0].Key)
}

func TestChannelRoute(t *testing.T) {
	t.Parallel()
	b := memory.NewBroker()
	email := newProcessor(t, b, "email")
	svc := New(Config{Route: "/ops/board/"}, SourceFunc(func() []*processor.Processor {
		return []*processor.Processor{email}
	}), nil, nil, logx.Nop())
	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/board/email", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var v ChannelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "email", v.Name)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/board/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptionalMounts(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	none := SourceFunc(func() []*processor.Processor { return nil })

	h := New(Config{}, none, nil, nil, logx.Nop()).Handler()
	for _, path := range []string{"/metrics", "/debug/pprof/cmdline"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	h = New(Config{Pprof: true}, none, nil, metrics, logx.Nop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Addr: "127.0.0.1:0"}, SourceFunc(func() []*processor.Processor { return nil }), nil, nil, logx.Nop())
	svc.Start(context.Background())
	svc.Start(context.Background())

	var addr string
	require.Eventually(t, func() bool {
		addr = svc.Addr()
		return addr != ""
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.Stop(ctx)
	assert.Empty(t, svc.Addr())
}

func TestNormalizeRoute(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/admin/queues", normalizeRoute(""))
	assert.Equal(t, "/admin/queues", normalizeRoute("admin/queues"))
	assert.Equal(t, "/x", normalizeRoute(" /x/ "))
}

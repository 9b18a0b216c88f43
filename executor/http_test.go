package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harrier/monitor"
	"harrier/proto"
)

func TestHttpExecutorGet(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	shard := &proto.ShardContext{
		ExecutionID: "e-1",
		Job: proto.JobConfig{
			Name:               "J1",
			ShardingTotalCount: 3,
			JobParameter:       "full",
			Task:               proto.Task{URI: server.URL + "/sync?region=eu", Header: map[string]string{"X-Token": "t"}},
		},
		Item:      1,
		Parameter: "Shanghai",
	}
	require.NoError(t, NewHttpExecutor(server.Client()).Execute(context.Background(), shard))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/sync", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "eu", q.Get("region"))
	assert.Equal(t, "1", q.Get("shardingItem"))
	assert.Equal(t, "3", q.Get("shardingTotalCount"))
	assert.Equal(t, "Shanghai", q.Get("shardingParameter"))
	assert.Equal(t, "full", q.Get("jobParameter"))
	assert.Equal(t, "t", got.Header.Get("X-Token"))
	assert.Equal(t, "e-1", got.Header.Get("X-Harrier-Execution"))
	assert.Equal(t, http.StatusOK, shard.Extra["status"])
}

func TestHttpExecutorPostFailure(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	shard := &proto.ShardContext{Job: proto.JobConfig{
		Name:               "J1",
		ShardingTotalCount: 1,
		Task:               proto.Task{Type: "post", URI: server.URL, Body: `{"full":true}`},
	}}
	err := NewHttpExecutor(nil).Execute(context.Background(), shard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, `{"full":true}`, body)
}

func TestHttpExecutorRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) < 3 {
				http.Error(w, "busy", http.StatusBadGateway)
				return
			}
		case "/bad":
			calls.Add(1)
			http.Error(w, "no", http.StatusBadRequest)
			return
		case "/down":
			calls.Add(1)
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewHttpExecutor(server.Client())
	h.backoff = time.Millisecond
	shard := func(path string, retries int) *proto.ShardContext {
		return &proto.ShardContext{Job: proto.JobConfig{
			Name:               "J1",
			ShardingTotalCount: 1,
			Task:               proto.Task{URI: server.URL + path, Retries: retries},
		}}
	}

	require.NoError(t, h.Execute(context.Background(), shard("/flaky", 2)))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	assert.Error(t, h.Execute(context.Background(), shard("/bad", 3)))
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")

	calls.Store(0)
	err := h.Execute(context.Background(), shard("/down", 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(maxRetries+1), calls.Load())

	calls.Store(0)
	assert.Error(t, h.Execute(context.Background(), shard("/down", 0)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHttpExecutorRetriesTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	h := NewHttpExecutor(nil)
	h.backoff = time.Millisecond
	retries := monitor.ShardRetries.With(prometheus.Labels{"job": "J-transport"})
	before := testutil.ToFloat64(retries)
	err := h.Execute(context.Background(), &proto.ShardContext{Job: proto.JobConfig{Name: "J-transport", Task: proto.Task{URI: url, Retries: 2}}})
	require.Error(t, err)
	assert.Equal(t, before+2, testutil.ToFloat64(retries))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.Execute(ctx, &proto.ShardContext{Job: proto.JobConfig{Name: "J-transport", Task: proto.Task{URI: url, Retries: 3}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHttpExecutorInvalidURI(t *testing.T) {
	shard := &proto.ShardContext{Job: proto.JobConfig{Name: "J1", Task: proto.Task{URI: "/relative"}}}
	assert.Error(t, NewHttpExecutor(nil).Execute(context.Background(), shard))
}

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, *proto.ShardContext) error { return nil }

func TestRegistry(t *testing.T) {
	e, err := Get("")
	require.NoError(t, err)
	assert.IsType(t, &HttpExecutor{}, e)

	_, err = Get("shell")
	assert.Error(t, err)
	Register("shell", nopExecutor{})
	e, err = Get("shell")
	require.NoError(t, err)
	assert.Equal(t, nopExecutor{}, e)
}

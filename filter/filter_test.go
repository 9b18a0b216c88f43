package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harrier/executor"
	"harrier/monitor"
	"harrier/proto"
)

type recordingFilter struct {
	name  string
	calls *[]string
	err   error
}

func (r recordingFilter) Filter(shard *proto.ShardContext) error {
	*r.calls = append(*r.calls, r.name)
	return r.err
}

type stubExecutor struct {
	calls *[]string
	err   error
}

func (s stubExecutor) Execute(ctx context.Context, shard *proto.ShardContext) error {
	*s.calls = append(*s.calls, "execute")
	return s.err
}

func TestChainOrder(t *testing.T) {
	var calls []string
	Register("audit", recordingFilter{name: "audit", calls: &calls})
	Register("notify", recordingFilter{name: "notify", calls: &calls})
	executor.Register("stub_ok", stubExecutor{calls: &calls})

	shard := &proto.ShardContext{Job: proto.JobConfig{
		Name:        "chain-order",
		Executor:    "stub_ok",
		PreFilters:  []string{"audit"},
		PostFilters: []string{"notify"},
	}}
	chain, err := NewChain(shard)
	require.NoError(t, err)
	require.NoError(t, chain.Do(context.Background()))
	assert.Equal(t, []string{"audit", "execute", "notify"}, calls)

	labels := prometheus.Labels{"job": "chain-order", "result": "success"}
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.ShardExecuted.With(labels)))
	assert.Equal(t, 0.0, testutil.ToFloat64(monitor.ShardExecuting.With(prometheus.Labels{"job": "chain-order"})))
}

func TestChainFailures(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	Register("deny", recordingFilter{name: "deny", calls: &calls, err: boom})
	executor.Register("stub_fail", stubExecutor{calls: &calls, err: boom})

	shard := &proto.ShardContext{Job: proto.JobConfig{Name: "chain-deny", Executor: "stub_fail", PreFilters: []string{"deny"}}}
	chain, err := NewChain(shard)
	require.NoError(t, err)
	assert.ErrorIs(t, chain.Do(context.Background()), boom)
	assert.Equal(t, []string{"deny"}, calls)

	calls = nil
	shard = &proto.ShardContext{Job: proto.JobConfig{Name: "chain-fail", Executor: "stub_fail"}}
	chain, err = NewChain(shard)
	require.NoError(t, err)
	assert.ErrorIs(t, chain.Do(context.Background()), boom)
	assert.Equal(t, boom, shard.Err)
	assert.Equal(t, 1.0, testutil.ToFloat64(monitor.ShardExecuted.With(prometheus.Labels{"job": "chain-fail", "result": "failure"})))
}

func TestUnknownNames(t *testing.T) {
	_, err := NewChain(&proto.ShardContext{Job: proto.JobConfig{Name: "J", PreFilters: []string{"missing"}}})
	assert.Error(t, err)
	_, err = NewChain(&proto.ShardContext{Job: proto.JobConfig{Name: "J", Executor: "missing"}})
	assert.Error(t, err)
}

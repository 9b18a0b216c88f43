package filter

import (
	"context"
	"fmt"
	"sync"

	"harrier/executor"
	"harrier/proto"
)

var (
	mu      sync.RWMutex
	Filters = map[string]Filter{
		MetricsPreFilterKey:  &MetricsPreFilter{},
		MetricsPostFilterKey: &MetricsPostFilter{},
	}
)

type Filter interface {
	Filter(shard *proto.ShardContext) error
}

// Register adds or replaces a filter, typically from a plugin.
func Register(name string, f Filter) {
	mu.Lock()
	defer mu.Unlock()
	Filters[name] = f
}

func get(name string) (Filter, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := Filters[name]
	if !ok {
		return nil, fmt.Errorf("filter %q not registered", name)
	}
	return f, nil
}

// NewChain 组装过滤器链: 作业前置过滤器, 指标过滤器, 执行器, 指标过滤器, 作业后置过滤器
func NewChain(shard *proto.ShardContext) (*Chain, error) {
	chain := &Chain{shard: shard}
	names := append(append([]string{}, shard.Job.PreFilters...), MetricsPreFilterKey)
	for _, name := range names {
		f, err := get(name)
		if err != nil {
			return nil, err
		}
		chain.preFilter = append(chain.preFilter, f)
	}
	names = append([]string{MetricsPostFilterKey}, shard.Job.PostFilters...)
	for _, name := range names {
		f, err := get(name)
		if err != nil {
			return nil, err
		}
		chain.postFilter = append(chain.postFilter, f)
	}
	e, err := executor.Get(shard.Job.ExecutorName())
	if err != nil {
		return nil, err
	}
	chain.executor = e
	return chain, nil
}

type Chain struct {
	preFilter  []Filter
	postFilter []Filter
	executor   executor.Executor
	shard      *proto.ShardContext
}

// Do runs the chain. A failing pre filter skips the executor; post filters
// always run and see the executor error in shard.Err.
func (c *Chain) Do(ctx context.Context) error {
	err := c.pre()
	if err == nil {
		err = c.executor.Execute(ctx, c.shard)
	}
	c.shard.Err = err
	for _, f := range c.postFilter {
		if perr := f.Filter(c.shard); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (c *Chain) pre() error {
	for _, f := range c.preFilter {
		if err := f.Filter(c.shard); err != nil {
			return err
		}
	}
	return nil
}

package executor

import (
	"context"
	"fmt"
	"sync"

	"harrier/constants"
	"harrier/proto"
)

const HttpExecutorKey = constants.DEFAULT_EXECUTOR

var (
	mu        sync.RWMutex
	Executors = map[string]Executor{
		HttpExecutorKey: NewHttpExecutor(nil),
	}
)

// Executor 执行一个分片. 返回前必须完成, 失败以 error 返回.
type Executor interface {
	Execute(ctx context.Context, shard *proto.ShardContext) error
}

// Register adds or replaces an executor, typically from a plugin.
func Register(name string, e Executor) {
	mu.Lock()
	defer mu.Unlock()
	Executors[name] = e
}

func Get(name string) (Executor, error) {
	if name == "" {
		name = HttpExecutorKey
	}
	mu.RLock()
	defer mu.RUnlock()
	e, ok := Executors[name]
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", name)
	}
	return e, nil
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"harrier/monitor"
	"harrier/proto"
)

var _ Executor = (*HttpExecutor)(nil)

const (
	maxErrorBody = 512
	maxRetries   = 5
)

// retryable marks a failure worth another attempt: transport errors and 5xx.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// HttpExecutor 把作业的 Task 作为 HTTP 请求发出, 分片信息放在 query 里
//
//	GET http://svc/api/sync?shardingItem=1&shardingTotalCount=3&shardingParameter=B&jobParameter=x
//
// A failed request is retried Task.Retries times (at most 5), the wait
// doubling from backoff; 4xx answers are final.
type HttpExecutor struct {
	client  *http.Client
	backoff time.Duration
}

func NewHttpExecutor(client *http.Client) *HttpExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HttpExecutor{client: client, backoff: 500 * time.Millisecond}
}

func (h *HttpExecutor) Execute(ctx context.Context, shard *proto.ShardContext) error {
	retries := shard.Job.Task.Retries
	if retries > maxRetries {
		retries = maxRetries
	}
	backoff := h.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = h.do(ctx, shard)
		if err == nil || !errors.As(err, &retryable{}) || attempt >= retries {
			break
		}
		monitor.ShardRetries.With(prometheus.Labels{"job": shard.Job.Name}).Inc()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (h *HttpExecutor) do(ctx context.Context, shard *proto.ShardContext) error {
	req, err := newRequest(ctx, shard)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return retryable{fmt.Errorf("job %s item %d: %w", shard.Job.Name, shard.Item, err)}
	}
	defer resp.Body.Close()

	if shard.Extra == nil {
		shard.Extra = make(map[string]interface{})
	}
	shard.Extra["status"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("job %s item %d: %s %s returned %d: %s",
			shard.Job.Name, shard.Item, req.Method, shard.Job.Task.URI, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return retryable{err}
		}
		return err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func newRequest(ctx context.Context, shard *proto.ShardContext) (*http.Request, error) {
	task := shard.Job.Task
	u, err := url.Parse(task.URI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("job %s has an invalid task uri %q", shard.Job.Name, task.URI)
	}
	q := u.Query()
	q.Set("shardingItem", strconv.Itoa(shard.Item))
	q.Set("shardingTotalCount", strconv.Itoa(shard.Job.ShardingTotalCount))
	if shard.Parameter != "" {
		q.Set("shardingParameter", shard.Parameter)
	}
	if shard.Job.JobParameter != "" {
		q.Set("jobParameter", shard.Job.JobParameter)
	}
	u.RawQuery = q.Encode()

	method := strings.ToUpper(task.Type)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method != http.MethodGet && task.Body != "" {
		body = strings.NewReader(task.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range task.Header {
		req.Header.Set(k, v)
	}
	if shard.ExecutionID != "" {
		req.Header.Set("X-Harrier-Execution", shard.ExecutionID)
	}
	return req, nil
}

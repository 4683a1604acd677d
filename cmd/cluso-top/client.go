package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dd0wney/cluso-mail/pkg/admin"
	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

// adminClient talks to one node's admin API
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string, timeout time.Duration) *adminClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &adminClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e admin.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) status(ctx context.Context) (cluster.Status, error) {
	var st cluster.Status
	err := c.do(ctx, http.MethodGet, "/cluster/status", &st)
	return st, err
}

func (c *adminClient) stepDown(ctx context.Context, shard cluster.ShardID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/cluster/shards/%d/stepdown", shard), nil)
}

func (c *adminClient) resumeApply(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cluster/apply/resume", nil)
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

// adminClient 呼叫執行中實例的管理介面
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(addr string) *adminClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &adminClient{
		baseURL: strings.TrimRight(base, "/"),
		// sync 會等待整個回合
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

type adminError struct {
	Status  int
	Message string
}

func (e *adminError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

func (c *adminClient) Stats(ctx context.Context) (types.Stats, error) {
	var stats types.Stats
	err := c.do(ctx, http.MethodGet, "/stats", &stats, http.StatusOK)
	return stats, err
}

func (c *adminClient) Network(ctx context.Context) (types.NetworkStatus, error) {
	var status types.NetworkStatus
	err := c.do(ctx, http.MethodGet, "/network", &status, http.StatusOK)
	return status, err
}

func (c *adminClient) Operations(ctx context.Context, status types.OperationStatus) ([]*types.Operation, error) {
	path := "/operations"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var ops []*types.Operation
	err := c.do(ctx, http.MethodGet, path, &ops, http.StatusOK)
	return ops, err
}

// Sync 強制同步；離線時 offline 為 true 且不回傳錯誤
func (c *adminClient) Sync(ctx context.Context) (types.Stats, bool, error) {
	var resp struct {
		Stats   types.Stats `json:"stats"`
		Offline bool        `json:"offline"`
	}
	err := c.do(ctx, http.MethodPost, "/sync", &resp, http.StatusOK, http.StatusServiceUnavailable)
	return resp.Stats, resp.Offline, err
}

func (c *adminClient) Retry(ctx context.Context, id types.OperationID) error {
	return c.do(ctx, http.MethodPost, "/operations/"+url.PathEscape(string(id))+"/retry", nil, http.StatusAccepted)
}

func (c *adminClient) Discard(ctx context.Context, id types.OperationID) error {
	return c.do(ctx, http.MethodDelete, "/operations/"+url.PathEscape(string(id)), nil, http.StatusNoContent)
}

func (c *adminClient) RetryAll(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "/operations/failed/retry", &resp, http.StatusOK)
	return resp.Count, err
}

func (c *adminClient) DiscardAll(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodDelete, "/operations/failed", &resp, http.StatusOK)
	return resp.Count, err
}

func (c *adminClient) do(ctx context.Context, method, path string, out any, accept ...int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach fieldsync admin API at %s (is `fieldsync run` active?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return &adminError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/fieldsync/pkg/types"
)

// HTTPProber 對健康檢查 URL 發出 HEAD 請求判斷可達性
//
// 任何 HTTP 回應（即使是 5xx）都代表網路連通；
// 只有 5xx 視為伺服器不可達。
type HTTPProber struct {
	URL       string
	Client    *http.Client
	Transport types.TransportClass
}

// NewHTTPProber 建立 prober；timeout 為單次探測上限
func NewHTTPProber(url string, timeout time.Duration, transport types.TransportClass) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		URL:       url,
		Client:    &http.Client{Timeout: timeout},
		Transport: transport,
	}
}

// Probe 實作 Prober
func (p *HTTPProber) Probe(ctx context.Context) types.NetworkStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		log.Error("invalid probe url", "url", p.URL, "error", err)
		return types.NetworkStatus{Connected: false, Reachable: types.ReachUnknown, Transport: types.TransportNone}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		log.Debug("probe failed", "url", p.URL, "error", err)
		// DNS 或連線錯誤視為斷線；逾時代表有連線但伺服器不可達
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return types.NetworkStatus{Connected: true, Reachable: types.ReachUnreachable, Transport: p.Transport}
		}
		return types.NetworkStatus{Connected: false, Reachable: types.ReachUnreachable, Transport: types.TransportNone}
	}
	resp.Body.Close()

	reach := types.ReachReachable
	if resp.StatusCode >= 500 {
		reach = types.ReachUnreachable
	}
	return types.NetworkStatus{Connected: true, Reachable: reach, Transport: p.Transport}
}

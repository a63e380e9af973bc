package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPFunder asks a wallet service to move funds into escrow:
//
//	POST {base}/fund {"amount_msat": n} -> 2xx
type HTTPFunder struct {
	base   string
	client *http.Client
}

func NewHTTPFunder(base string, timeout time.Duration) *HTTPFunder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFunder{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFunder) Fund(ctx context.Context, amountMsat int64) error {
	body, err := json.Marshal(map[string]int64{"amount_msat": amountMsat})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+"/fund", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("wallet returned status %d", resp.StatusCode)
	}
	return nil
}

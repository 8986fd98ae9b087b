package axeos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"minerhub/internal/model"
	"minerhub/internal/proto"
)

// Client issues request/response calls against a miner's JSON API.
type Client struct {
	httpClient *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Family() string { return model.FamilyHTTPJSON }

func baseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/")
	}
	return "http://" + strings.TrimRight(address, "/")
}

// FetchSystemInfo performs the single status GET.
func (c *Client) FetchSystemInfo(ctx context.Context, address string) (*SystemInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(address)+"/api/system/info", nil)
	if err != nil {
		return nil, &proto.PollError{Kind: proto.FailureUnreachable, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &proto.PollError{
			Kind: proto.FailureUnreachable,
			Err:  fmt.Errorf("device API returned status %d", resp.StatusCode),
		}
	}

	var info SystemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &proto.PollError{Kind: proto.FailureMalformed, Err: err}
	}
	return &info, nil
}

func (c *Client) Poll(ctx context.Context, dev *model.Device) (*model.Snapshot, error) {
	info, err := c.FetchSystemInfo(ctx, dev.Address)
	if err != nil {
		return nil, err
	}
	return info.ToSnapshot(), nil
}

// UpdateSettings PATCHes only the supplied fields. The zero Settings value
// serializes to {} and is rejected to avoid a pointless round trip.
func (c *Client) UpdateSettings(ctx context.Context, address string, s Settings) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if string(body) == "{}" {
		return errors.New("no settings supplied")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, baseURL(address)+"/api/system", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settings update rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Client) Restart(ctx context.Context, dev *model.Device) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(dev.Address)+"/api/system/restart", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("restart rejected (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *Client) SetFanSpeed(ctx context.Context, dev *model.Device, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("fan speed %d out of range", percent)
	}
	manual := 0
	return c.UpdateSettings(ctx, dev.Address, Settings{AutoFanSpeed: &manual, FanSpeed: &percent})
}

// SetWorkMode has no AxeOS equivalent; performance tuning goes through
// frequency/voltage settings instead.
func (c *Client) SetWorkMode(ctx context.Context, dev *model.Device, mode string) error {
	return errors.New("work modes are not supported by this device family")
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &proto.PollError{Kind: proto.FailureTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &proto.PollError{Kind: proto.FailureTimeout, Err: err}
	}
	return &proto.PollError{Kind: proto.FailureUnreachable, Err: err}
}

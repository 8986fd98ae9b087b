package cgminer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"minerhub/internal/model"
	"minerhub/internal/proto"
)

const (
	// DefaultPort is the cgminer API port Avalon firmware listens on.
	DefaultPort = 4028

	// responseSentinel terminates a response on firmware that does not close
	// the socket after writing.
	responseSentinel = 0x00

	maxResponseBytes = 64 * 1024
)

// Client performs one request/response exchange per protocol command. A new
// connection is opened per call: the target firmware does not multiplex
// requests reliably, so pooling trades correctness for nothing.
type Client struct {
	port    int
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{port: DefaultPort, timeout: timeout}
}

func (c *Client) Family() string { return model.FamilyLegacyTCP }

// Send writes one command and reads the raw response until the sentinel byte,
// socket close, or deadline.
func (c *Client) Send(ctx context.Context, address, command string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.hostPort(address))
	if err != nil {
		return "", classify(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", classify(err)
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < maxResponseBytes {
		n, err := conn.Read(chunk)
		if n > 0 {
			if i := bytes.IndexByte(chunk[:n], responseSentinel); i >= 0 {
				buf = append(buf, chunk[:i]...)
				return string(buf), nil
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return string(buf), nil
			}
			// A timeout after we already received data means the firmware
			// never sent a sentinel; treat what we have as the response.
			if len(buf) > 0 && isTimeout(err) {
				return string(buf), nil
			}
			return "", classify(err)
		}
	}
	return string(buf), nil
}

func (c *Client) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(c.port))
}

// Poll issues the fixed command sequence (summary, pools, stats, version) and
// merges the responses into one canonical snapshot. Summary, pools and stats
// are required; version degrades gracefully.
func (c *Client) Poll(ctx context.Context, dev *model.Device) (*model.Snapshot, error) {
	summaryRaw, err := c.Send(ctx, dev.Address, "summary")
	if err != nil {
		return nil, err
	}
	poolsRaw, err := c.Send(ctx, dev.Address, "pools")
	if err != nil {
		return nil, err
	}
	statsRaw, err := c.Send(ctx, dev.Address, "stats")
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{}
	summary := ParseSections(summaryRaw)["SUMMARY"]
	if summary == nil {
		return nil, &proto.PollError{Kind: proto.FailureMalformed, Err: errors.New("summary section missing")}
	}
	mergeSummary(snap, summary)
	mergePool(snap, ParseSections(poolsRaw)["POOL"])
	mergeStats(snap, ExtractBracketMetrics(statsRaw))
	return snap, nil
}

// Identify probes the version command and returns board/model hints. Used at
// discovery time only.
func (c *Client) Identify(ctx context.Context, address string) (board, modelName, mac string, err error) {
	raw, err := c.Send(ctx, address, "version")
	if err != nil {
		return "", "", "", err
	}
	v := ParseSections(raw)["VERSION"]
	if v == nil {
		return "", "", "", &proto.PollError{Kind: proto.FailureMalformed, Err: errors.New("version section missing")}
	}
	return v["PROD"], v["MODEL"], v["MAC"], nil
}

func (c *Client) Restart(ctx context.Context, dev *model.Device) error {
	_, err := c.Send(ctx, dev.Address, "restart")
	return err
}

func (c *Client) SetFanSpeed(ctx context.Context, dev *model.Device, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("fan speed %d out of range", percent)
	}
	_, err := c.Send(ctx, dev.Address, fmt.Sprintf("ascset,0,fan,%d", percent))
	return err
}

func (c *Client) SetWorkMode(ctx context.Context, dev *model.Device, mode string) error {
	if strings.ContainsAny(mode, ",|") {
		return fmt.Errorf("invalid work mode %q", mode)
	}
	_, err := c.Send(ctx, dev.Address, "ascset,0,workmode,"+mode)
	return err
}

func mergeSummary(snap *model.Snapshot, kv map[string]string) {
	// Hash rate arrives under one of several scale-tagged keys. Canonical
	// unit is GH/s; mega-hash keys divide by 1000.
	if _, ok := kv["GHS av"]; ok {
		snap.HashRateGHS = floatField(kv, "GHS av")
	} else if _, ok := kv["MHS av"]; ok {
		snap.HashRateGHS = floatField(kv, "MHS av") / 1000
	}
	snap.UptimeSec = intField(kv, "Elapsed")
	snap.SharesAccepted = intField(kv, "Accepted")
	snap.SharesRejected = intField(kv, "Rejected")
}

func mergePool(snap *model.Snapshot, kv map[string]string) {
	if kv == nil {
		return
	}
	snap.PoolURL = kv["URL"]
	snap.PoolUser = kv["User"]
}

func mergeStats(snap *model.Snapshot, metrics map[string]string) {
	// Stats-level hash rate is authoritative when present (already GH/s).
	if v, ok := metrics["GHSmm"]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			snap.HashRateGHS = f
		}
	}
	if v, ok := metrics["PS"]; ok {
		snap.PowerW = lastNumericToken(v)
	}

	var temps []float64
	for _, key := range []string{"Temp", "TMax", "TAvg", "ITemp"} {
		if v, ok := metrics[key]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				temps = append(temps, f)
			}
		}
	}
	if len(temps) > 0 {
		if b, err := json.Marshal(temps); err == nil {
			snap.Temps = datatypes.JSON(b)
		}
	}

	var fans []float64
	for _, key := range []string{"Fan1", "Fan2", "Fan3", "Fan4"} {
		if v, ok := metrics[key]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				fans = append(fans, f)
			}
		}
	}
	if len(fans) > 0 {
		if b, err := json.Marshal(fans); err == nil {
			snap.FanRPMs = datatypes.JSON(b)
		}
	}

	if snap.FrequencyMHz == 0 {
		if v, ok := metrics["Freq"]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				snap.FrequencyMHz = f
			}
		}
	}
}

func classify(err error) error {
	if isTimeout(err) {
		return &proto.PollError{Kind: proto.FailureTimeout, Err: err}
	}
	return &proto.PollError{Kind: proto.FailureUnreachable, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}


// Package backend is the HTTP client for the metering backend's device API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrTransport marks failures where no HTTP response was received.
var ErrTransport = errors.New("backend transport failure")

// APIError is a response the backend rejected.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, e.Message)
}

// API is the device-facing backend contract.
type API interface {
	Register(ctx context.Context, token, deviceID string) (Registration, error)
	SubmitReading(ctx context.Context, r Reading) (Account, error)
	PollCommands(ctx context.Context, meterID string) ([]Command, error)
	AckCommand(ctx context.Context, a Ack) error
	SetToken(token string)
}

// Endpoint paths.
const (
	PathRegister    = "/device/register_device.php"
	PathReading     = "/device/MeterReading.php"
	PathCommands    = "/device/get_commands.php"
	PathAck         = "/device/ack_command.php"
	DefaultTimeout  = 10 * time.Second
	litresPerCubicM = 1000.0
)

// Client talks to the backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a client for baseURL. A zero timeout selects the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken sets the bearer token attached to every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) createRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// do sends the request and decodes the payload into out. The payload is
// the envelope's data member when present, else the whole body.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	var env envelope
	envErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if envErr == nil && env.Message != "" {
			msg = env.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if envErr != nil {
		return fmt.Errorf("decoding response: %w", envErr)
	}
	if env.Status == "error" {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil {
		return nil
	}

	payload := json.RawMessage(body)
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Register exchanges a provisioning token for a meter id and bearer token.
func (c *Client) Register(ctx context.Context, token, deviceID string) (Registration, error) {
	req, err := c.createRequest(ctx, http.MethodPost, PathRegister, registerRequest{
		ProvisioningToken: token,
		DeviceID:          deviceID,
	})
	if err != nil {
		return Registration{}, err
	}

	var resp registerResponse
	if err := c.do(req, &resp); err != nil {
		return Registration{}, fmt.Errorf("register: %w", err)
	}

	reg := Registration{MeterID: string(resp.MeterID), Token: resp.JWT}
	if reg.Token == "" {
		reg.Token = resp.JWTToken
	}
	if reg.MeterID == "" || reg.Token == "" {
		return Registration{}, errors.New("register: response missing id_meter or token")
	}
	return reg, nil
}

// SubmitReading posts one reading and returns the refreshed account.
// Volumes are converted between litres and the backend's cubic metres.
func (c *Client) SubmitReading(ctx context.Context, r Reading) (Account, error) {
	door := 0
	if r.DoorOpen {
		door = 1
	}
	req, err := c.createRequest(ctx, http.MethodPost, PathReading, readingRequest{
		MeterID:       r.MeterID,
		FlowRateLPM:   r.FlowRate,
		ReadingM3:     r.CumulativeVolume / litresPerCubicM,
		Voltage:       r.Voltage,
		DoorStatus:    door,
		StatusMessage: r.StatusTag,
		ValveStatus:   r.ValveStatus,
	})
	if err != nil {
		return Account{}, err
	}

	var resp readingResponse
	if err := c.do(req, &resp); err != nil {
		return Account{}, fmt.Errorf("submit reading: %w", err)
	}
	if resp.Balance == nil || resp.Tariff == nil {
		return Account{}, errors.New("submit reading: response missing data_pulsa or tarif_per_m3")
	}
	return Account{
		Balance:         float64(*resp.Balance),
		TariffPerVolume: float64(*resp.Tariff) / litresPerCubicM,
		Unlocked:        bool(resp.IsUnlocked),
	}, nil
}

// PollCommands fetches pending commands in backend order.
func (c *Client) PollCommands(ctx context.Context, meterID string) ([]Command, error) {
	req, err := c.createRequest(ctx, http.MethodGet, PathCommands+"?id_meter="+url.QueryEscape(meterID), nil)
	if err != nil {
		return nil, err
	}

	var resp commandsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("poll commands: %w", err)
	}

	cmds := make([]Command, 0, len(resp.Commands))
	for i, raw := range resp.Commands {
		cmd, err := decodeCommand(raw)
		if err != nil {
			log.Printf("backend: dropped command %d in poll: %v", i, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// decodeCommand decodes one polled entry. An entry without a usable id or
// type is rejected. Unreadable parameters are dropped so the command still
// reaches the node and gets its ack.
func decodeCommand(raw json.RawMessage) (Command, error) {
	var w commandWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Command{}, err
	}
	if w.Type == "" {
		return Command{}, fmt.Errorf("command %d: missing command_type", w.ID)
	}
	params, err := decodeParameters(w.Parameters)
	if err != nil {
		log.Printf("backend: command %d: ignoring %v", w.ID, err)
		params = nil
	}
	return Command{
		ID:                 int64(w.ID),
		Type:               w.Type,
		CurrentValveStatus: w.CurrentValveStatus,
		Parameters:         params,
	}, nil
}

// AckCommand reports a command result.
func (c *Client) AckCommand(ctx context.Context, a Ack) error {
	req, err := c.createRequest(ctx, http.MethodPost, PathAck, ackRequest{
		MeterID:     a.MeterID,
		CommandID:   a.CommandID,
		Status:      a.Outcome,
		Notes:       a.Detail,
		ValveStatus: a.ValveStatus,
	})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("ack command %d: %w", a.CommandID, err)
	}
	return nil
}

var _ API = (*Client)(nil)

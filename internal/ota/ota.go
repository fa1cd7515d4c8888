// Package ota checks the backend for new gateway firmware and installs it.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Outcome is the result of one check.
type Outcome int

const (
	NoUpdate Outcome = iota
	Updated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoUpdate:
		return "no_update"
	case Updated:
		return "updated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response headers describing the image.
const (
	HeaderVersion  = "X-Firmware-Version"
	HeaderChecksum = "X-Firmware-Checksum"
)

// ErrChecksum is returned when a downloaded image does not match its
// advertised checksum.
var ErrChecksum = errors.New("ota: checksum mismatch")

// Checker polls a firmware URL. A new image replaces the file at Path.
type Checker struct {
	url     string
	path    string
	version string
	client  *http.Client
}

// NewChecker creates a checker for the running version.
func NewChecker(firmwareURL, path, version string, timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Checker{
		url:     firmwareURL,
		path:    path,
		version: version,
		client:  &http.Client{Timeout: timeout},
	}
}

// Version returns the version currently installed.
func (c *Checker) Version() string {
	return c.version
}

// Check asks for an image newer than the installed version and installs it.
// A Failed outcome carries the error.
func (c *Checker) Check(ctx context.Context, deviceID, token string) (Outcome, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return Failed, fmt.Errorf("ota: parse url: %w", err)
	}
	q := u.Query()
	q.Set("device_id", deviceID)
	q.Set("version", c.version)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Failed, fmt.Errorf("ota: create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Failed, fmt.Errorf("ota: request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified, http.StatusNoContent:
		return NoUpdate, nil
	case http.StatusOK:
	default:
		return Failed, fmt.Errorf("ota: unexpected status %d", resp.StatusCode)
	}

	version := resp.Header.Get(HeaderVersion)
	if version != "" && version == c.version {
		return NoUpdate, nil
	}

	if err := c.install(resp.Body, resp.Header.Get(HeaderChecksum)); err != nil {
		return Failed, err
	}
	if version != "" {
		c.version = version
	}
	log.Printf("ota: installed firmware %q at %s", c.version, c.path)
	return Updated, nil
}

// install writes the image next to Path and renames it into place once the
// checksum matches.
func (c *Checker) install(body io.Reader, checksum string) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.new")
	if err != nil {
		return fmt.Errorf("ota: stage image: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("ota: download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ota: stage image: %w", err)
	}
	if n == 0 {
		return errors.New("ota: empty image")
	}

	if checksum != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, strings.TrimSpace(checksum)) {
			return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, checksum)
		}
	}

	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return fmt.Errorf("ota: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("ota: install: %w", err)
	}
	return nil
}

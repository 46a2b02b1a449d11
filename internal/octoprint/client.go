// Package octoprint queries OctoPrint printers for their current job
// and classifies the answer as a [fleet.JobStatus].
package octoprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/octowatch/internal/fleet"
	"github.com/nugget/octowatch/internal/httpkit"
)

const (
	jobPath = "/api/job"

	// maxBodyBytes bounds the job response we are willing to decode.
	maxBodyBytes = 1 << 20
)

// ErrorKind classifies a [FetchError].
type ErrorKind int

const (
	// KindNetwork covers timeouts, refused connections, and DNS failures.
	KindNetwork ErrorKind = iota + 1
	// KindHTTPStatus is a non-success status other than 403.
	KindHTTPStatus
	// KindDecode is a body that is not a usable job document.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError is returned when a printer's answer cannot be represented
// as a job status.
type FetchError struct {
	Device string
	Kind   ErrorKind
	Code   int    // HTTP status, for KindHTTPStatus
	Body   string // truncated response body, for KindHTTPStatus
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: status %d: %s", e.Device, e.Code, e.Body)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.Device, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsKind reports whether err is a FetchError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// jobResponse mirrors the parts of OctoPrint's job document we use.
// Pointers distinguish absent or null fields from zero values.
type jobResponse struct {
	Job struct {
		File struct {
			Name *string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress *struct {
		Completion    *float64 `json:"completion"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

// Client fetches job status from printers. One Client serves the whole
// fleet; per-device URL and key come from the [fleet.Device].
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a printer client whose requests time out after
// timeout. Requests are never retried.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// FetchJob issues one GET /api/job against the device and classifies
// the answer. A 403 means the printer is powered off and yields
// [fleet.Offline] without error.
func (c *Client) FetchJob(ctx context.Context, d fleet.Device) (fleet.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL+jobPath, nil)
	if err != nil {
		return fleet.JobStatus{}, &FetchError{Device: d.Name, Kind: KindNetwork, Err: fmt.Errorf("build request: %w", err)}
	}
	if d.APIKey != "" {
		req.Header.Set("X-Api-Key", d.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fleet.JobStatus{}, &FetchError{Device: d.Name, Kind: KindNetwork, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusForbidden {
		c.logger.Debug("printer reports powered off", "device", d.Name)
		return fleet.Offline(), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 210 {
		return fleet.JobStatus{}, &FetchError{
			Device: d.Name,
			Kind:   KindHTTPStatus,
			Code:   resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	return decodeJob(d.Name, resp.Body)
}

func decodeJob(device string, r io.Reader) (fleet.JobStatus, error) {
	var doc jobResponse
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(&doc); err != nil {
		return fleet.JobStatus{}, &FetchError{Device: device, Kind: KindDecode, Err: err}
	}

	status := fleet.Idle()
	if p := doc.Progress; p != nil && p.Completion != nil && p.PrintTimeLeft != nil {
		s, err := fleet.Printing(*p.Completion, *p.PrintTimeLeft)
		if err != nil {
			return fleet.JobStatus{}, &FetchError{Device: device, Kind: KindDecode, Err: err}
		}
		status = s
	}
	if doc.Job.File.Name != nil {
		status.FileName = *doc.Job.File.Name
	}
	return status, nil
}

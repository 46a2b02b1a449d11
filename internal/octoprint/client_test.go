package octoprint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/octowatch/internal/fleet"
)

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/job" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func device(url string) fleet.Device {
	return fleet.Device{Name: "DeviceX", URL: url, APIKey: "test-key", Topic: "3dprinting/prusa/blue"}
}

func TestFetchJob_Printing(t *testing.T) {
	srv := newTestServer(t, http.StatusOK,
		`{"job":{"file":{"name":"benchy.gcode"}},"progress":{"completion":42.5,"printTimeLeft":3600},"state":"Printing"}`)

	c := NewClient(5*time.Second, nil)
	got, err := c.FetchJob(context.Background(), device(srv.URL))
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if got.State != fleet.StatePrinting {
		t.Fatalf("State = %v, want printing", got.State)
	}
	if got.Completion != 42.5 || got.SecondsLeft != 3600 {
		t.Errorf("got completion=%v left=%d, want 42.5/3600", got.Completion, got.SecondsLeft)
	}
	if got.FileName != "benchy.gcode" {
		t.Errorf("FileName = %q", got.FileName)
	}
}

func TestFetchJob_SendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, nil)
	if _, err := c.FetchJob(context.Background(), device(srv.URL)); err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("expected X-Api-Key test-key, got %q", gotKey)
	}
}

func TestFetchJob_OmitsEmptyAPIKey(t *testing.T) {
	present := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Api-Key"]
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := device(srv.URL)
	d.APIKey = ""
	c := NewClient(5*time.Second, nil)
	if _, err := c.FetchJob(context.Background(), d); err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if present {
		t.Error("X-Api-Key header should not be sent without a key")
	}
}

func TestFetchJob_ForbiddenIsOffline(t *testing.T) {
	srv := newTestServer(t, http.StatusForbidden, `{"error":"printer is off"}`)

	c := NewClient(5*time.Second, nil)
	got, err := c.FetchJob(context.Background(), device(srv.URL))
	if err != nil {
		t.Fatalf("403 must not be an error, got %v", err)
	}
	if got.State != fleet.StateOffline {
		t.Errorf("State = %v, want offline", got.State)
	}
}

func TestFetchJob_HTTPStatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError, 210, 302} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			srv := newTestServer(t, code, "printer is not operational")

			c := NewClient(5*time.Second, nil)
			_, err := c.FetchJob(context.Background(), device(srv.URL))
			if err == nil {
				t.Fatalf("expected error for status %d", code)
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("error %v is not a *FetchError", err)
			}
			if fe.Kind != KindHTTPStatus {
				t.Errorf("Kind = %v, want http_status", fe.Kind)
			}
			if fe.Code != code {
				t.Errorf("Code = %d, want %d", fe.Code, code)
			}
			if code != 302 && fe.Body != "printer is not operational" {
				t.Errorf("Body = %q", fe.Body)
			}
		})
	}
}

func TestFetchJob_SuccessRange(t *testing.T) {
	srv := newTestServer(t, 204, ``)

	c := NewClient(5*time.Second, nil)
	_, err := c.FetchJob(context.Background(), device(srv.URL))
	// 204 is a success code but carries no job document.
	if !IsKind(err, KindDecode) {
		t.Errorf("expected decode error for empty 2xx body, got %v", err)
	}
}

func TestFetchJob_MissingFieldsIsIdle(t *testing.T) {
	bodies := map[string]string{
		"no progress":        `{"job":{},"state":"Operational"}`,
		"null progress":      `{"progress":null}`,
		"null completion":    `{"progress":{"completion":null,"printTimeLeft":120}}`,
		"missing time left":  `{"progress":{"completion":12.0}}`,
		"null time left":     `{"progress":{"completion":12.0,"printTimeLeft":null}}`,
		"empty progress obj": `{"progress":{}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, http.StatusOK, body)

			c := NewClient(5*time.Second, nil)
			got, err := c.FetchJob(context.Background(), device(srv.URL))
			if err != nil {
				t.Fatalf("FetchJob: %v", err)
			}
			if got.State != fleet.StateIdle {
				t.Errorf("State = %v, want idle", got.State)
			}
		})
	}
}

func TestFetchJob_DecodeErrors(t *testing.T) {
	bodies := map[string]string{
		"malformed":           `{invalid`,
		"completion too big":  `{"progress":{"completion":142.5,"printTimeLeft":10}}`,
		"negative completion": `{"progress":{"completion":-1,"printTimeLeft":10}}`,
		"negative time left":  `{"progress":{"completion":50,"printTimeLeft":-5}}`,
		"wrong type":          `{"progress":{"completion":"half","printTimeLeft":10}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t, http.StatusOK, body)

			c := NewClient(5*time.Second, nil)
			_, err := c.FetchJob(context.Background(), device(srv.URL))
			if !IsKind(err, KindDecode) {
				t.Errorf("expected decode error, got %v", err)
			}
		})
	}
}

func TestFetchJob_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(2*time.Second, nil)
	_, err := c.FetchJob(context.Background(), device(url))
	if !IsKind(err, KindNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestFetchJob_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(100*time.Millisecond, nil)
	_, err := c.FetchJob(context.Background(), device(srv.URL))
	if !IsKind(err, KindNetwork) {
		t.Errorf("expected network error on timeout, got %v", err)
	}
}

func TestFetchError_Messages(t *testing.T) {
	statusErr := &FetchError{Device: "Prusa Red", Kind: KindHTTPStatus, Code: 500, Body: "boom"}
	if got := statusErr.Error(); got != "fetch Prusa Red: status 500: boom" {
		t.Errorf("Error() = %q", got)
	}

	inner := errors.New("connection refused")
	netErr := &FetchError{Device: "Prusa Red", Kind: KindNetwork, Err: inner}
	if !errors.Is(netErr, inner) {
		t.Error("FetchError should unwrap to its cause")
	}
	if got := netErr.Error(); got != "fetch Prusa Red: network: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nugget/octowatch/internal/events"
	"github.com/nugget/octowatch/internal/fleet"
	"github.com/nugget/octowatch/internal/mqtt"
	"github.com/nugget/octowatch/internal/octoprint"
)

// fakeFetcher returns canned results keyed by device name and records
// the order devices were visited in.
type fakeFetcher struct {
	mu       sync.Mutex
	statuses map[string]fleet.JobStatus
	errs     map[string]error
	visited  []string
}

func (f *fakeFetcher) FetchJob(_ context.Context, d fleet.Device) (fleet.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visited = append(f.visited, d.Name)
	if err := f.errs[d.Name]; err != nil {
		return fleet.JobStatus{}, err
	}
	return f.statuses[d.Name], nil
}

// fakePublisher records every publish attempt. fail, if set, decides
// the result of each attempt.
type fakePublisher struct {
	mu       sync.Mutex
	attempts []mqtt.Message
	fail     func(msg mqtt.Message, attempt int) error
}

func (p *fakePublisher) Publish(_ context.Context, msg mqtt.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = append(p.attempts, msg)
	if p.fail != nil {
		return p.fail(msg, len(p.attempts))
	}
	return nil
}

func (p *fakePublisher) messages() []mqtt.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mqtt.Message(nil), p.attempts...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func printing(t *testing.T, completion float64, left int) fleet.JobStatus {
	t.Helper()
	s, err := fleet.Printing(completion, left)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

var testFleet = []fleet.Device{
	{Name: "Prusa Blue", URL: "http://10.30.0.11", Topic: "3dprinting/prusa/blue"},
	{Name: "Prusa Red", URL: "http://10.30.0.13", Topic: "3dprinting/prusa/red"},
	{Name: "Ender Green", URL: "http://10.30.0.22", Topic: "3dprinting/ender/green"},
}

// printerServer stands in for an OctoPrint instance answering /api/job.
func printerServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestCycle_PrintingPublished(t *testing.T) {
	d := fleet.Device{
		Name:  "DeviceX",
		URL:   printerServer(t, http.StatusOK, `{"progress":{"completion":42.5,"printTimeLeft":3600}}`),
		Topic: "3dprinting/prusa/blue",
	}
	pub := &fakePublisher{}
	c := NewCycle(CycleConfig{
		Fetcher:   octoprint.NewClient(2*time.Second, quietLogger()),
		Publisher: pub,
		Logger:    quietLogger(),
	})

	outcomes := c.Run(context.Background(), []fleet.Device{d})
	if len(outcomes) != 1 || !outcomes[0].Published() {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "3dprinting/prusa/blue" {
		t.Errorf("topic = %q", m.Topic)
	}
	if string(m.Payload) != "DeviceX: 3600 seconds (42.50%)" {
		t.Errorf("payload = %q", m.Payload)
	}
	if m.QoS != 1 || m.Retain {
		t.Errorf("QoS = %d retain = %v, want 1/false", m.QoS, m.Retain)
	}
}

func TestCycle_OfflinePublished(t *testing.T) {
	d := fleet.Device{
		Name:  "DeviceX",
		URL:   printerServer(t, http.StatusForbidden, `Forbidden`),
		Topic: "3dprinting/prusa/red",
	}
	pub := &fakePublisher{}
	c := NewCycle(CycleConfig{
		Fetcher:   octoprint.NewClient(2*time.Second, quietLogger()),
		Publisher: pub,
		Logger:    quietLogger(),
	})

	outcomes := c.Run(context.Background(), []fleet.Device{d})
	if outcomes[0].FetchErr != nil {
		t.Fatalf("403 must not fail the fetch: %v", outcomes[0].FetchErr)
	}
	msgs := pub.messages()
	if len(msgs) != 1 || string(msgs[0].Payload) != "DeviceX: is off" {
		t.Fatalf("published %v, want one \"DeviceX: is off\"", msgs)
	}
}

func TestCycle_UnreachableDeviceSkipped(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	devices := []fleet.Device{
		{Name: "DeviceX", URL: deadURL, Topic: "3dprinting/prusa/blue"},
		{Name: "DeviceY", URL: printerServer(t, http.StatusOK, `{}`), Topic: "3dprinting/prusa/red"},
	}
	board := fleet.NewBoard(devices)
	pub := &fakePublisher{}
	c := NewCycle(CycleConfig{
		Fetcher:   octoprint.NewClient(2*time.Second, quietLogger()),
		Publisher: pub,
		Board:     board,
		Logger:    quietLogger(),
	})

	outcomes := c.Run(context.Background(), devices)
	if !octoprint.IsKind(outcomes[0].FetchErr, octoprint.KindNetwork) {
		t.Errorf("DeviceX FetchErr = %v, want network error", outcomes[0].FetchErr)
	}
	if !outcomes[1].Published() {
		t.Errorf("DeviceY outcome = %+v, want published", outcomes[1])
	}

	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].Topic != "3dprinting/prusa/red" {
		t.Fatalf("published %v, want only DeviceY", msgs)
	}
	if string(msgs[0].Payload) != "DeviceY: is idle" {
		t.Errorf("payload = %q", msgs[0].Payload)
	}

	snap := board.Snapshot()
	if !snap[0].Stale || snap[0].LastError == "" {
		t.Errorf("DeviceX board entry = %+v, want stale with error", snap[0])
	}
	if snap[1].Stale || snap[1].Payload != "DeviceY: is idle" {
		t.Errorf("DeviceY board entry = %+v", snap[1])
	}
}

func TestCycle_PublishFailsWhenNotConnected(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{
		"Prusa Blue":  fleet.Idle(),
		"Prusa Red":   fleet.Offline(),
		"Ender Green": printing(t, 10, 600),
	}}
	// A publisher that was never connected.
	pub := mqtt.NewPublisher(mqtt.Options{Logger: quietLogger()})
	board := fleet.NewBoard(testFleet)

	c := NewCycle(CycleConfig{
		Fetcher:   fetcher,
		Publisher: pub,
		Board:     board,
		Logger:    quietLogger(),
	})

	outcomes := c.Run(context.Background(), testFleet)
	if len(outcomes) != len(testFleet) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(testFleet))
	}
	for _, o := range outcomes {
		if !errors.Is(o.PublishErr, mqtt.ErrNotConnected) {
			t.Errorf("%s PublishErr = %v, want ErrNotConnected", o.Device.Name, o.PublishErr)
		}
		if o.Payload == "" {
			t.Errorf("%s payload should still be formatted", o.Device.Name)
		}
	}
	if len(fetcher.visited) != len(testFleet) {
		t.Errorf("visited %v, want every device", fetcher.visited)
	}
	for _, e := range board.Snapshot() {
		if !e.Stale {
			t.Errorf("%s should be stale", e.Device.Name)
		}
	}
}

func TestCycle_FetchFailureIsolated(t *testing.T) {
	fetcher := &fakeFetcher{
		statuses: map[string]fleet.JobStatus{
			"Prusa Blue":  printing(t, 50, 1200),
			"Ender Green": fleet.Idle(),
		},
		errs: map[string]error{
			"Prusa Red": &octoprint.FetchError{Device: "Prusa Red", Kind: octoprint.KindHTTPStatus, Code: 500},
		},
	}
	pub := &fakePublisher{}
	c := NewCycle(CycleConfig{Fetcher: fetcher, Publisher: pub, Logger: quietLogger()})

	outcomes := c.Run(context.Background(), testFleet)

	if outcomes[0].Payload != "Prusa Blue: 1200 seconds (50.00%)" || !outcomes[0].Published() {
		t.Errorf("Prusa Blue outcome = %+v", outcomes[0])
	}
	if !octoprint.IsKind(outcomes[1].FetchErr, octoprint.KindHTTPStatus) {
		t.Errorf("Prusa Red FetchErr = %v", outcomes[1].FetchErr)
	}
	if outcomes[2].Payload != "Ender Green: is idle" || !outcomes[2].Published() {
		t.Errorf("Ender Green outcome = %+v", outcomes[2])
	}

	stats := c.Stats()
	if stats.Published != 2 || stats.Failed != 1 || stats.Runs != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCycle_VisitsInConfiguredOrder(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{}}
	pub := &fakePublisher{}
	c := NewCycle(CycleConfig{Fetcher: fetcher, Publisher: pub, Logger: quietLogger()})

	c.Run(context.Background(), testFleet)

	for i, d := range testFleet {
		if fetcher.visited[i] != d.Name {
			t.Errorf("visit %d = %q, want %q", i, fetcher.visited[i], d.Name)
		}
		if got := pub.messages()[i].Topic; got != d.Topic {
			t.Errorf("publish %d topic = %q, want %q", i, got, d.Topic)
		}
	}
}

func TestCycle_Idempotent(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{
		"Prusa Blue":  printing(t, 99.999, 1),
		"Prusa Red":   fleet.Offline(),
		"Ender Green": fleet.Idle(),
	}}
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	c := NewCycle(CycleConfig{
		Fetcher:   fetcher,
		Publisher: &fakePublisher{},
		Board:     fleet.NewBoard(testFleet),
		Bus:       bus,
		Logger:    quietLogger(),
	})

	first := c.Run(context.Background(), testFleet)
	second := c.Run(context.Background(), testFleet)
	for i := range first {
		if first[i].Payload != second[i].Payload {
			t.Errorf("device %d: %q then %q", i, first[i].Payload, second[i].Payload)
		}
	}

	changed := 0
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindStatusChanged {
			changed++
		}
	}
	if changed != len(testFleet) {
		t.Errorf("status_changed events = %d, want %d (first cycle only)", changed, len(testFleet))
	}
}

func TestCycle_RetriesAckTimeout(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{"Prusa Blue": fleet.Idle()}}
	pub := &fakePublisher{fail: func(_ mqtt.Message, attempt int) error {
		if attempt < 3 {
			return fmt.Errorf("publish: %w", mqtt.ErrAckTimeout)
		}
		return nil
	}}
	c := NewCycle(CycleConfig{
		Fetcher:         fetcher,
		Publisher:       pub,
		PublishAttempts: 3,
		PublishBackoff:  time.Millisecond,
		Logger:          quietLogger(),
	})

	outcomes := c.Run(context.Background(), testFleet[:1])
	if !outcomes[0].Published() {
		t.Fatalf("outcome = %+v, want published after retries", outcomes[0])
	}
	if n := len(pub.messages()); n != 3 {
		t.Errorf("publish attempts = %d, want 3", n)
	}
}

func TestCycle_RetryGivesUp(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{"Prusa Blue": fleet.Idle()}}
	pub := &fakePublisher{fail: func(mqtt.Message, int) error { return mqtt.ErrAckTimeout }}
	c := NewCycle(CycleConfig{
		Fetcher:         fetcher,
		Publisher:       pub,
		PublishAttempts: 2,
		PublishBackoff:  time.Millisecond,
		Logger:          quietLogger(),
	})

	outcomes := c.Run(context.Background(), testFleet[:1])
	if !errors.Is(outcomes[0].PublishErr, mqtt.ErrAckTimeout) {
		t.Errorf("PublishErr = %v, want ErrAckTimeout", outcomes[0].PublishErr)
	}
	if n := len(pub.messages()); n != 2 {
		t.Errorf("publish attempts = %d, want 2", n)
	}
}

func TestCycle_NoRetryForOtherErrors(t *testing.T) {
	rejected := errors.New("broker rejected publish")
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{"Prusa Blue": fleet.Idle()}}
	pub := &fakePublisher{fail: func(mqtt.Message, int) error { return rejected }}
	c := NewCycle(CycleConfig{
		Fetcher:         fetcher,
		Publisher:       pub,
		PublishAttempts: 5,
		PublishBackoff:  time.Millisecond,
		Logger:          quietLogger(),
	})

	outcomes := c.Run(context.Background(), testFleet[:1])
	if !errors.Is(outcomes[0].PublishErr, rejected) {
		t.Errorf("PublishErr = %v, want rejection", outcomes[0].PublishErr)
	}
	if n := len(pub.messages()); n != 1 {
		t.Errorf("publish attempts = %d, want 1", n)
	}
}

func TestCycle_DefaultDoesNotRetry(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{"Prusa Blue": fleet.Idle()}}
	pub := &fakePublisher{fail: func(mqtt.Message, int) error { return mqtt.ErrAckTimeout }}
	c := NewCycle(CycleConfig{Fetcher: fetcher, Publisher: pub, Logger: quietLogger()})

	c.Run(context.Background(), testFleet[:1])
	if n := len(pub.messages()); n != 1 {
		t.Errorf("publish attempts = %d, want 1", n)
	}
}

func TestCycle_FetchOnly(t *testing.T) {
	fetcher := &fakeFetcher{statuses: map[string]fleet.JobStatus{"Prusa Blue": printing(t, 42.5, 3600)}}
	c := NewCycle(CycleConfig{Fetcher: fetcher, Logger: quietLogger()})

	outcomes := c.Run(context.Background(), testFleet[:1])
	if outcomes[0].Payload != "Prusa Blue: 3600 seconds (42.50%)" {
		t.Errorf("payload = %q", outcomes[0].Payload)
	}
	if !outcomes[0].Published() {
		t.Error("fetch-only outcome without error should count as published")
	}
}

func TestCycle_Events(t *testing.T) {
	fetcher := &fakeFetcher{
		statuses: map[string]fleet.JobStatus{"Prusa Blue": fleet.Idle()},
		errs:     map[string]error{"Prusa Red": &octoprint.FetchError{Device: "Prusa Red", Kind: octoprint.KindDecode, Err: errors.New("bad json")}},
	}
	pub := &fakePublisher{fail: func(m mqtt.Message, _ int) error {
		if m.Topic == "3dprinting/ender/green" {
			return mqtt.ErrNotConnected
		}
		return nil
	}}
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	c := NewCycle(CycleConfig{
		Fetcher:   fetcher,
		Publisher: pub,
		Board:     fleet.NewBoard(testFleet),
		Bus:       bus,
		Logger:    quietLogger(),
	})
	c.Run(context.Background(), testFleet)

	var kinds []string
	for len(ch) > 0 {
		ev := <-ch
		kinds = append(kinds, ev.Kind)
		if ev.Kind == events.KindFetchFailed && ev.Data["kind"] != "decode" {
			t.Errorf("fetch_failed kind = %v, want decode", ev.Data["kind"])
		}
	}
	want := []string{
		events.KindCycleStart,
		events.KindStatusChanged,
		events.KindFetchFailed,
		events.KindPublishFailed,
		events.KindCycleComplete,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

package outbox_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDeliverer answers per host and counts calls.
type fakeDeliverer struct {
	mu      sync.Mutex
	answers map[string]error
	calls   map[string]int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{answers: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeDeliverer) Deliver(_ context.Context, host string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[host]++
	return f.answers[host]
}

func (f *fakeDeliverer) set(host string, err error) {
	f.mu.Lock()
	f.answers[host] = err
	f.mu.Unlock()
}

func (f *fakeDeliverer) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

type harness struct {
	queue *outbox.Queue
	trust *trust.Registry
	fake  *fakeDeliverer
	disp  *outbox.Dispatcher
	clock *clock
}

func newHarness(t *testing.T, cfg outbox.Config) *harness {
	t.Helper()
	db := storetest.Open(t, append(outbox.Models(), trust.Models()...)...)
	clk := &clock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		queue: outbox.NewQueue(db).WithClock(clk.Now),
		trust: trust.NewRegistry(db).WithClock(clk.Now),
		fake:  newFakeDeliverer(),
		clock: clk,
	}
	h.disp = outbox.NewDispatcher(h.queue, h.fake, h.trust, cfg, testLogger())
	return h
}

func baseConfig() outbox.Config {
	return outbox.Config{
		Workers:     1,
		MaxAttempts: 3,
		Schedule:    outbox.Schedule{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
		BatchSize:   10,
		Lease:       time.Minute,
	}
}

func (h *harness) enqueue(t *testing.T, msgID string, hosts ...string) []*outbox.Entry {
	t.Helper()
	var ds []outbox.Delivery
	for _, host := range hosts {
		ds = append(ds, outbox.Delivery{TargetHost: host, Payload: []byte(`{}`)})
	}
	entries, err := h.queue.Enqueue(context.Background(), msgID, ds)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func (h *harness) get(t *testing.T, id string) *outbox.Entry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func transient() error {
	return &outbox.DeliveryError{Status: http.StatusBadGateway}
}

func TestEnqueue_OneRowPerHostAndIdempotent(t *testing.T) {
	h := newHarness(t, baseConfig())
	entries := h.enqueue(t, "m1", "b.example", "c.example", "d.example")
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if again := h.enqueue(t, "m1", "b.example", "e.example"); len(again) != 1 || again[0].TargetHost != "e.example" {
		t.Errorf("re-enqueue = %+v", again)
	}
	all, _ := h.queue.ListByMessage(context.Background(), "m1")
	if len(all) != 4 {
		t.Errorf("rows = %d", len(all))
	}
}

func TestDispatcher_FailureIsolatedPerHost(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.fake.set("c.example", transient())
	h.enqueue(t, "m1", "b.example", "c.example", "d.example")

	if _, err := h.disp.ProcessOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rows, _ := h.queue.ListByMessage(context.Background(), "m1")
	for _, e := range rows {
		want := outbox.StatusDelivered
		if e.TargetHost == "c.example" {
			want = outbox.StatusPending
		}
		if e.Status != want {
			t.Errorf("%s: status %s, want %s", e.TargetHost, e.Status, want)
		}
	}
}

func TestDispatcher_RetryThenFail(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.fake.set("b.example", transient())
	e := h.enqueue(t, "m1", "b.example")[0]
	ctx := context.Background()

	h.disp.ProcessOnce(ctx)
	got := h.get(t, e.ID)
	if got.Status != outbox.StatusPending || got.Attempts != 1 || got.NextRetryAt == nil || !got.NextRetryAt.After(h.clock.Now()) {
		t.Fatalf("after first failure: %+v", got)
	}
	if got.Error == "" || got.LastAttemptAt == nil {
		t.Errorf("attempt not recorded: %+v", got)
	}

	// Not due yet.
	if n, _ := h.disp.ProcessOnce(ctx); n != 0 || h.fake.count("b.example") != 1 {
		t.Errorf("retried before nextRetryAt: n=%d calls=%d", n, h.fake.count("b.example"))
	}

	for i := 0; i < 2; i++ {
		h.clock.Advance(2 * time.Hour)
		h.disp.ProcessOnce(ctx)
	}
	got = h.get(t, e.ID)
	if got.Status != outbox.StatusFailed || got.Attempts != 3 || got.NextRetryAt != nil {
		t.Errorf("after max attempts: %+v", got)
	}
}

func TestDispatcher_PermanentRejectionSkipsRetries(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.fake.set("b.example", &outbox.DeliveryError{Status: http.StatusForbidden, ReasonCode: api.ReasonSenderBlocked})
	e := h.enqueue(t, "m1", "b.example")[0]

	h.disp.ProcessOnce(context.Background())
	got := h.get(t, e.ID)
	if got.Status != outbox.StatusFailed || got.Attempts != 1 || !strings.Contains(got.Error, "SENDER_BLOCKED") {
		t.Errorf("permanent rejection: %+v", got)
	}
}

func TestDispatcher_BlockedTargetNeverCalled(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()
	if _, err := h.trust.Create(ctx, "b.example", trust.LevelBlocked); err != nil {
		t.Fatal(err)
	}
	e := h.enqueue(t, "m1", "b.example")[0]

	h.disp.ProcessOnce(ctx)
	got := h.get(t, e.ID)
	if got.Status != outbox.StatusFailed || got.Error != outbox.ErrorTargetBlocked || got.Attempts != 0 {
		t.Errorf("blocked target: %+v", got)
	}
	if h.fake.count("b.example") != 0 {
		t.Error("blocked target reached the network")
	}
}

func TestDispatcher_RetryAfterRaisesDelay(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.fake.set("b.example", &outbox.DeliveryError{Status: http.StatusTooManyRequests, RetryAfter: 3 * time.Hour})
	e := h.enqueue(t, "m1", "b.example")[0]

	h.disp.ProcessOnce(context.Background())
	got := h.get(t, e.ID)
	if got.NextRetryAt == nil || got.NextRetryAt.Sub(h.clock.Now()) < 3*time.Hour {
		t.Errorf("Retry-After ignored: %+v", got.NextRetryAt)
	}
}

func TestDispatcher_ReclaimsStaleClaims(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()
	e := h.enqueue(t, "m1", "b.example")[0]

	if _, ok, err := h.queue.Claim(ctx, e.ID); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	// Within the lease nothing happens.
	h.disp.ProcessOnce(ctx)
	if h.get(t, e.ID).Status != outbox.StatusDelivering {
		t.Fatal("claim stolen within lease")
	}

	h.clock.Advance(2 * time.Minute)
	h.disp.ProcessOnce(ctx)
	if got := h.get(t, e.ID); got.Status != outbox.StatusDelivered {
		t.Errorf("stale claim not reclaimed: %+v", got)
	}
}

func TestDispatcher_ConcurrentWorkersDeliverOnce(t *testing.T) {
	h := newHarness(t, baseConfig())
	var hosts []string
	for _, c := range "abcdefghijklmnop" {
		hosts = append(hosts, string(c)+".example")
	}
	h.enqueue(t, "m1", hosts...)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.disp.ProcessOnce(context.Background()); err != nil {
				t.Errorf("ProcessOnce: %v", err)
			}
		}()
	}
	wg.Wait()
	for _, host := range hosts {
		if n := h.fake.count(host); n != 1 {
			t.Errorf("%s delivered %d times", host, n)
		}
	}
}

func TestQueue_AdminRetryAndList(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()
	h.fake.set("b.example", &outbox.DeliveryError{Status: http.StatusBadRequest, ReasonCode: api.ReasonHashMismatch})
	e := h.enqueue(t, "m1", "b.example")[0]

	if _, err := h.queue.Retry(ctx, e.ID); !errors.Is(err, outbox.ErrNotFailed) {
		t.Errorf("Retry pending = %v", err)
	}
	h.disp.ProcessOnce(ctx)

	failed, err := h.queue.List(ctx, outbox.StatusFailed, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("List failed = %d, %v", len(failed), err)
	}
	got, err := h.queue.Retry(ctx, e.ID)
	if err != nil || got.Status != outbox.StatusPending || got.Attempts != 0 || got.Error != "" {
		t.Errorf("Retry = %+v, %v", got, err)
	}
	if _, err := h.queue.Retry(ctx, "missing"); !errors.Is(err, outbox.ErrNotFound) {
		t.Errorf("Retry missing = %v", err)
	}
	if _, err := outbox.ParseStatus("lost"); !errors.Is(err, outbox.ErrInvalidStatus) {
		t.Errorf("ParseStatus = %v", err)
	}
}

func TestDispatcher_RunAndWake(t *testing.T) {
	cfg := baseConfig()
	cfg.Workers = 2
	cfg.PollInterval = time.Hour
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	e := h.enqueue(t, "m1", "b.example")[0]
	h.disp.Wake()

	deadline := time.Now().Add(5 * time.Second)
	for h.get(t, e.ID).Status != outbox.StatusDelivered {
		if time.Now().After(deadline) {
			t.Fatal("entry not delivered after Wake")
		}
		h.disp.Wake()
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestSchedule_Grows(t *testing.T) {
	s := outbox.Schedule{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := s.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestConfigFrom(t *testing.T) {
	c := outbox.ConfigFrom(config.DeliveryConfig{Workers: 3, InitialBackoffMS: 1500, LeaseSeconds: 90, AttemptTimeoutMS: 2000})
	if c.Workers != 3 || c.Schedule.Initial != 1500*time.Millisecond || c.Lease != 90*time.Second || c.AttemptTimeout != 2*time.Second {
		t.Errorf("ConfigFrom = %+v", c)
	}
}

func TestHTTPDeliverer(t *testing.T) {
	var status int
	var body string
	var retryAfter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != outbox.InboxPath || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	client := httpclient.NewContextClient(httpclient.New(&config.OutboundHTTPConfig{
		SSRFMode: "off", TimeoutMS: 2000, ConnectTimeoutMS: 1000, MaxResponseBytes: 1 << 20,
	}))
	d := outbox.NewHTTPDeliverer(client, "http")
	host := strings.TrimPrefix(srv.URL, "http://")
	ctx := context.Background()

	status, body = http.StatusOK, `{"status":"accepted"}`
	if err := d.Deliver(ctx, host, []byte(`{}`)); err != nil {
		t.Errorf("2xx: %v", err)
	}

	status, body = http.StatusForbidden, `{"error":{"code":"Forbidden","reason_code":"SENDER_BLOCKED","message":"no"}}`
	var de *outbox.DeliveryError
	if err := d.Deliver(ctx, host, []byte(`{}`)); !errors.As(err, &de) || !de.Permanent() {
		t.Errorf("403 SENDER_BLOCKED: %v", err)
	}

	status, body, retryAfter = http.StatusServiceUnavailable, "busy", "120"
	if err := d.Deliver(ctx, host, []byte(`{}`)); !errors.As(err, &de) || de.Permanent() || de.RetryAfter != 2*time.Minute {
		t.Errorf("503: %+v", de)
	}

	status, body, retryAfter = http.StatusNotFound, `{"error":{"code":"Not Found","reason_code":"NOT_FOUND","message":"x"}}`, ""
	if err := d.Deliver(ctx, host, []byte(`{}`)); !errors.As(err, &de) || de.Permanent() {
		t.Errorf("404 must stay retryable: %+v", de)
	}

	if err := d.Deliver(ctx, "127.0.0.1:1", []byte(`{}`)); !errors.As(err, &de) || de.Status != 0 {
		t.Errorf("transport error: %v", err)
	}
}

// flakyTrust fails the first lookup and then reports an unknown host.
type flakyTrust struct{ failed bool }

func (f *flakyTrust) Check(context.Context, string) (trust.Level, error) {
	if !f.failed {
		f.failed = true
		return "", errors.New("database is locked")
	}
	return trust.LevelUnknown, nil
}

func TestDispatcher_TrustErrorReleasesClaim(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.disp = outbox.NewDispatcher(h.queue, h.fake, &flakyTrust{}, baseConfig(), testLogger())
	e := h.enqueue(t, "m1", "b.example")[0]

	if _, err := h.disp.ProcessOnce(context.Background()); err == nil {
		t.Fatal("trust error not reported")
	}
	got := h.get(t, e.ID)
	if got.Status != outbox.StatusPending || got.Attempts != 0 || got.ClaimToken != "" {
		t.Fatalf("entry after trust error: %+v", got)
	}
	if h.fake.count("b.example") != 0 {
		t.Error("delivery attempted without a trust decision")
	}

	// No lease wait: the next poll delivers.
	h.disp.ProcessOnce(context.Background())
	if got := h.get(t, e.ID); got.Status != outbox.StatusDelivered || got.Attempts != 1 {
		t.Errorf("entry after second poll: %+v", got)
	}
}

func TestSender_StoreAndSendIsAtomic(t *testing.T) {
	db := storetest.Open(t, append(outbox.Models(), tez.Models()...)...)
	store := tez.NewStore(db)
	queue := outbox.NewQueue(db)
	sender := outbox.NewSender(queue, bundle.Origin{Host: "a.example", ServerID: "srv-a"}, nil, testLogger())
	ctx := context.Background()

	compose := func(text string) *tez.Tez {
		t.Helper()
		m, err := tez.Compose(tez.Draft{
			Text: text,
			To:   []string{"bob@b.example", "carol@c.example", "dan@a.example"},
		}, "alice@a.example", time.Now())
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	persist := func(m *tez.Tez) func(tx *gorm.DB) error {
		return func(tx *gorm.DB) error { return store.WithTx(tx).Create(ctx, m) }
	}

	m := compose("hello")
	entries, err := sender.StoreAndSend(ctx, m, persist(m))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2 (local recipient skipped)", len(entries))
	}
	if _, err := store.Get(ctx, m.ID); err != nil {
		t.Errorf("stored tez: %v", err)
	}

	if err := db.Migrator().DropTable(&outbox.Entry{}); err != nil {
		t.Fatal(err)
	}
	lost := compose("never queued")
	if _, err := sender.StoreAndSend(ctx, lost, persist(lost)); err == nil {
		t.Fatal("StoreAndSend succeeded without an outbox table")
	}
	if _, err := store.Get(ctx, lost.ID); !errors.Is(err, tez.ErrNotFound) {
		t.Errorf("tez after failed enqueue = %v, want ErrNotFound", err)
	}
}

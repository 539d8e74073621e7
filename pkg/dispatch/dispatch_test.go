package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/whereabouts/pkg/cache"
	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
	"github.com/codeGROOVE-dev/whereabouts/pkg/risk"
	"github.com/codeGROOVE-dev/whereabouts/pkg/site"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type reply struct {
	status int
	body   string
	err    error
}

// mockTransport answers by host and records calls and peak concurrency.
type mockTransport struct {
	replies  map[string]reply // by host; missing hosts answer 200
	delay    time.Duration
	block    bool // wait for request cancellation
	mu       sync.Mutex
	calls    map[string]int
	methods  map[string]string
	inflight atomic.Int32
	peak     atomic.Int32
}

func newMock() *mockTransport {
	return &mockTransport{
		replies: make(map[string]reply),
		calls:   make(map[string]int),
		methods: make(map[string]string),
	}
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls[req.URL.Host]++
	m.methods[req.URL.Host] = req.Method
	rep, ok := m.replies[req.URL.Host]
	m.mu.Unlock()

	if m.block {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if !ok {
		rep = reply{status: http.StatusOK, body: "<p>profile</p>"}
	}
	if rep.err != nil {
		return nil, rep.err
	}
	if req.Method == http.MethodHead {
		rep.body = ""
	}
	return &http.Response{
		StatusCode: rep.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(rep.body)),
		Request:    req,
	}, nil
}

func (m *mockTransport) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func statusSpec(name string) *site.Spec {
	return &site.Spec{
		Name:               name,
		ProfileURLTemplate: "https://" + strings.ToLower(name) + ".test/{}",
		Detection:          site.StatusCode,
	}
}

func specSet(n int) map[string]*site.Spec {
	specs := make(map[string]*site.Spec, n)
	for i := range n {
		name := fmt.Sprintf("Site%02d", i)
		specs[name] = statusSpec(name)
	}
	return specs
}

func TestLegalityShortCircuit(t *testing.T) {
	mock := newMock()
	d := New(WithLogger(discardLogger()), WithTransport(mock))
	spec := statusSpec("Strict")
	spec.Legality = regexp.MustCompile(`^[a-z0-9]+$`)

	rep, err := d.Run(context.Background(), "not legal!", map[string]*site.Spec{"Strict": spec}, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := rep.Results["Strict"]
	if got.Verdict != result.Illegal || !errors.Is(got.Err, result.ErrIllegalHandle) {
		t.Errorf("result = %s %v, want ILLEGAL", got.Verdict, got.Err)
	}
	if n := mock.totalCalls(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestConcurrencyBound(t *testing.T) {
	mock := newMock()
	mock.delay = 20 * time.Millisecond
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	rep, err := d.Run(context.Background(), "alice", specSet(30), Options{Concurrency: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rep.Results) != 30 {
		t.Errorf("results = %d, want 30", len(rep.Results))
	}
	if peak := mock.peak.Load(); peak > 5 {
		t.Errorf("peak in-flight probes = %d, want <= 5", peak)
	}
	if n := mock.totalCalls(); n != 30 {
		t.Errorf("network calls = %d, want 30", n)
	}
}

func TestPerHostBound(t *testing.T) {
	mock := newMock()
	mock.delay = 20 * time.Millisecond
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	specs := make(map[string]*site.Spec)
	for i := range 10 {
		name := fmt.Sprintf("Mirror%d", i)
		specs[name] = &site.Spec{
			Name:               name,
			ProfileURLTemplate: fmt.Sprintf("https://shared.test/%d/{}", i),
			Detection:          site.StatusCode,
		}
	}
	if _, err := d.Run(context.Background(), "alice", specs, Options{Concurrency: 10, PerHost: 2}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if peak := mock.peak.Load(); peak > 2 {
		t.Errorf("peak in-flight probes to one host = %d, want <= 2", peak)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	mock := newMock()
	specs := specSet(50)
	want := make(map[string]result.Verdict, 50)
	for i := range 50 {
		name := fmt.Sprintf("Site%02d", i)
		host := strings.ToLower(name) + ".test"
		switch {
		case i == 17:
			mock.replies[host] = reply{err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
			want[name] = result.Error
		case i%2 == 0:
			mock.replies[host] = reply{status: http.StatusOK}
			want[name] = result.Claimed
		default:
			mock.replies[host] = reply{status: http.StatusNotFound}
			want[name] = result.Available
		}
	}
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	rep, err := d.Run(context.Background(), "alice", specs, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := make(map[string]result.Verdict, len(rep.Results))
	for name, r := range rep.Results {
		got[name] = r.Verdict
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("verdicts mismatch (-want +got):\n%s", diff)
	}
	failed := rep.Results["Site17"]
	if failed.Kind != result.KindConnectionFailed || !errors.Is(failed.Err, result.ErrConnectionFailed) {
		t.Errorf("Site17 = %s %v, want ConnectionFailed", failed.Kind, failed.Err)
	}
	if failed.URL != "https://site17.test/alice" {
		t.Errorf("Site17 URL = %q", failed.URL)
	}
}

func TestRequestShape(t *testing.T) {
	mock := newMock()
	mock.replies["moved.test"] = reply{status: http.StatusMovedPermanently}
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	specs := map[string]*site.Spec{
		"Status": statusSpec("Status"),
		"Moved": {
			Name:               "Moved",
			ProfileURLTemplate: "https://moved.test/{}",
			Detection:          site.RedirectBehavior,
		},
		"Message": {
			Name:               "Message",
			ProfileURLTemplate: "https://message.test/u/{}",
			ProbeURLTemplate:   "https://message.test/api/{}",
			Detection:          site.Message,
			AvailableMessages:  []string{"no such user"},
		},
	}
	rep, err := d.Run(context.Background(), "alice", specs, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantMethods := map[string]string{"status.test": http.MethodHead, "moved.test": http.MethodGet, "message.test": http.MethodGet}
	mock.mu.Lock()
	gotMethods := mock.methods
	mock.mu.Unlock()
	if diff := cmp.Diff(wantMethods, gotMethods); diff != "" {
		t.Errorf("methods mismatch (-want +got):\n%s", diff)
	}
	if v := rep.Results["Moved"].Verdict; v != result.Available {
		t.Errorf("Moved = %s, want AVAILABLE from first-hop 301", v)
	}
	if u := rep.Results["Message"].URL; u != "https://message.test/u/alice" {
		t.Errorf("Message URL = %q, want the profile URL", u)
	}
	if rep.Results["Message"].Body != nil {
		t.Error("response body retained on result")
	}
}

func openCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(context.Background(), filepath.Join(t.TempDir(), "results.db"), cache.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() }) //nolint:errcheck // test cleanup
	return c
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)
	if err := c.Set(ctx, "alice", "Cached", result.Claimed, "https://cached.test/alice"); err != nil {
		t.Fatal(err)
	}
	mock := newMock()
	d := New(WithLogger(discardLogger()), WithTransport(mock), WithCache(c))

	specs := map[string]*site.Spec{"Cached": statusSpec("Cached"), "Fresh": statusSpec("Fresh")}
	rep, err := d.Run(ctx, "alice", specs, Options{CacheEnabled: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r := rep.Results["Cached"]; !r.Cached || r.Verdict != result.Claimed {
		t.Errorf("Cached = %+v, want cached CLAIMED", r)
	}
	mock.mu.Lock()
	cachedCalls, freshCalls := mock.calls["cached.test"], mock.calls["fresh.test"]
	mock.mu.Unlock()
	if cachedCalls != 0 || freshCalls != 1 {
		t.Errorf("calls cached=%d fresh=%d, want 0 and 1", cachedCalls, freshCalls)
	}

	if _, found, _ := c.Get(ctx, "alice", "Fresh"); !found {
		t.Error("fresh CLAIMED verdict was not cached")
	}

	rep, err = d.Run(ctx, "alice", specs, Options{CacheEnabled: false})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Results["Cached"].Cached {
		t.Error("cache consulted with CacheEnabled=false")
	}
}

func TestOnlyEligibleVerdictsPersisted(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)
	mock := newMock()
	mock.replies["claimed.test"] = reply{status: http.StatusOK}
	mock.replies["available.test"] = reply{status: http.StatusNotFound}
	mock.replies["error.test"] = reply{err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	mock.replies["waf.test"] = reply{status: http.StatusForbidden, body: `<script>window._cf_chl_opt={}</script>`}
	mock.replies["unknown.test"] = reply{status: http.StatusOK}

	illegal := statusSpec("Illegal")
	illegal.Legality = regexp.MustCompile(`^\d+$`)
	odd := statusSpec("Unknown")
	odd.Detection = site.DetectionMethod(42)
	odd.RequestMethod = http.MethodGet

	specs := map[string]*site.Spec{
		"Claimed":   statusSpec("Claimed"),
		"Available": statusSpec("Available"),
		"Error":     statusSpec("Error"),
		"WAF":       {Name: "WAF", ProfileURLTemplate: "https://waf.test/{}", Detection: site.StatusCode, RequestMethod: http.MethodGet},
		"Unknown":   odd,
		"Illegal":   illegal,
	}
	d := New(WithLogger(discardLogger()), WithTransport(mock), WithCache(c))
	rep, err := d.Run(ctx, "alice", specs, Options{CacheEnabled: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[result.Verdict]int{
		result.Claimed: 1, result.Available: 1, result.Error: 1,
		result.WAFBlocked: 1, result.Unknown: 1, result.Illegal: 1,
	}
	if diff := cmp.Diff(want, rep.Counts()); diff != "" {
		t.Errorf("Counts() mismatch (-want +got):\n%s", diff)
	}

	for name := range specs {
		_, found, err := c.Get(ctx, "alice", name)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
		eligible := name == "Claimed" || name == "Available"
		if found != eligible {
			t.Errorf("cached %s = %v, want %v", name, found, eligible)
		}
	}
}

func TestCancellationReturnsCompleted(t *testing.T) {
	mock := newMock()
	mock.block = true
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	specs := specSet(5)
	illegal := statusSpec("Illegal")
	illegal.Legality = regexp.MustCompile(`^\d+$`)
	specs["Illegal"] = illegal

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for mock.inflight.Load() < 5 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan struct{})
	var rep *Report
	var err error
	go func() {
		rep, err = d.Run(ctx, "alice", specs, Options{Timeout: time.Minute})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(rep.Results) != 1 || rep.Results["Illegal"] == nil {
		t.Errorf("results = %v, want only the completed Illegal result", rep.Results)
	}
}

func TestTimeoutIsPerSite(t *testing.T) {
	mock := newMock()
	mock.delay = time.Second
	d := New(WithLogger(discardLogger()), WithTransport(mock))

	rep, err := d.Run(context.Background(), "alice", specSet(3), Options{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for name, r := range rep.Results {
		if r.Verdict != result.Error || r.Kind != result.KindTimeout {
			t.Errorf("%s = %s/%s, want ERROR/Timeout", name, r.Verdict, r.Kind)
		}
	}
	if len(rep.Results) != 3 {
		t.Errorf("results = %d, want 3", len(rep.Results))
	}
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panic" }

func (panicDetector) Detect(*risk.Input) ([]risk.Match, bool) {
	panic("detector bug")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestTransportPanicReleasesSlots(t *testing.T) {
	mock := newMock()
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "a.test" {
			panic("transport bug")
		}
		return mock.RoundTrip(req)
	})
	d := New(WithLogger(discardLogger()), WithTransport(rt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	specs := map[string]*site.Spec{"A": statusSpec("A"), "B": statusSpec("B"), "C": statusSpec("C")}
	rep, err := d.Run(ctx, "alice", specs, Options{Concurrency: 1, PerHost: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(rep.Results))
	}
	a := rep.Results["A"]
	if a.Verdict != result.Error || !strings.HasPrefix(a.Context, "panic: ") {
		t.Errorf("A = %s %q, want ERROR with panic context", a.Verdict, a.Context)
	}
	for _, name := range []string{"B", "C"} {
		if got := rep.Results[name].Verdict; got != result.Claimed {
			t.Errorf("%s = %s, want CLAIMED", name, got)
		}
	}
}

func TestCompletedExchangeSurvivesCancellation(t *testing.T) {
	mock := newMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := mock.RoundTrip(req)
		cancel()
		return resp, err
	})
	d := New(WithLogger(discardLogger()), WithTransport(rt))

	rep, err := d.Run(ctx, "alice", map[string]*site.Spec{"Late": statusSpec("Late")}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if r := rep.Results["Late"]; r == nil || r.Verdict != result.Claimed {
		t.Errorf("Late = %+v, want the completed CLAIMED result", r)
	}
}

func TestRiskDowngradeAndPanicIsolation(t *testing.T) {
	ctx := context.Background()
	c := openCache(t)
	mock := newMock()
	mock.replies["reddit.test"] = reply{status: http.StatusOK, body: `<p>Sorry, nobody on Reddit goes by that name.</p><p>alice</p>`}
	mock.replies["github.test"] = reply{status: http.StatusOK, body: `<h1>alice</h1><p>42 repositories</p>`}

	specs := map[string]*site.Spec{
		"Reddit": {Name: "Reddit", ProfileURLTemplate: "https://reddit.test/{}", Detection: site.Message, AvailableMessages: []string{"page not found"}},
		"GitHub": {Name: "GitHub", ProfileURLTemplate: "https://github.test/{}", Detection: site.Message, AvailableMessages: []string{"page not found"}},
	}

	d := New(
		WithLogger(discardLogger()),
		WithTransport(mock),
		WithCache(c),
		WithAnalyzer(risk.New(risk.WithLogger(discardLogger()))),
	)
	rep, err := d.Run(ctx, "alice", specs, Options{CacheEnabled: true, RiskEnabled: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	reddit := rep.Results["Reddit"]
	if reddit.Verdict != result.Unknown || !errors.Is(reddit.Err, result.ErrRiskDowngrade) {
		t.Errorf("Reddit = %s %v, want UNKNOWN via risk downgrade", reddit.Verdict, reddit.Err)
	}
	if reddit.Risk == nil || reddit.Risk.Label != risk.LabelFalsePositive {
		t.Errorf("Reddit risk = %+v", reddit.Risk)
	}
	if _, found, _ := c.Get(ctx, "alice", "Reddit"); found {
		t.Error("downgraded verdict was cached")
	}
	github := rep.Results["GitHub"]
	if github.Verdict != result.Claimed || github.Risk == nil || github.Risk.Label != risk.DefaultLabel {
		t.Errorf("GitHub = %s %+v, want CLAIMED with low risk", github.Verdict, github.Risk)
	}

	d = New(
		WithLogger(discardLogger()),
		WithTransport(mock),
		WithAnalyzer(risk.New(risk.WithLogger(discardLogger()), risk.WithDetectors(panicDetector{}))),
	)
	specs["Plain"] = statusSpec("Plain")
	rep, err = d.Run(ctx, "alice", specs, Options{RiskEnabled: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, name := range []string{"Reddit", "GitHub"} {
		if r := rep.Results[name]; r.Verdict != result.Error || !strings.Contains(r.Context, "detector bug") {
			t.Errorf("%s = %s %q, want ERROR from recovered panic", name, r.Verdict, r.Context)
		}
	}
	if r := rep.Results["Plain"]; r.Verdict != result.Claimed {
		t.Errorf("Plain = %s, want CLAIMED (HEAD probes are not scored)", r.Verdict)
	}
}

func TestReport(t *testing.T) {
	rep := &Report{Results: map[string]*result.Result{
		"b":      {Site: "b", Verdict: result.Claimed},
		"A":      {Site: "A", Verdict: result.Claimed},
		"GitHub": {Site: "GitHub", Verdict: result.Available},
	}}
	var names []string
	for _, r := range rep.Sorted() {
		names = append(names, r.Site)
	}
	if diff := cmp.Diff([]string{"A", "b", "GitHub"}, names); diff != "" {
		t.Errorf("Sorted() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[result.Verdict]int{result.Claimed: 2, result.Available: 1}, rep.Counts()); diff != "" {
		t.Errorf("Counts() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRejectsBadProxy(t *testing.T) {
	d := New(WithLogger(discardLogger()))
	if _, err := d.Run(context.Background(), "alice", specSet(1), Options{ProxyURL: "://nope"}); err == nil {
		t.Error("Run() should fail with a malformed proxy URL")
	}
}

func TestOptionsDefaults(t *testing.T) {
	got := Options{Retries: -3}.withDefaults()
	want := Options{Timeout: DefaultTimeout, Concurrency: DefaultConcurrency, PerHost: DefaultPerHost}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("withDefaults() mismatch (-want +got):\n%s", diff)
	}
}

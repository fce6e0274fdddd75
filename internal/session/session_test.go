package session

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"netpulse/internal/apiclient"
	"netpulse/internal/eventbus"
	"netpulse/internal/storage"
	"netpulse/internal/transport/ws"
	"netpulse/pkg/archive"
	logx "netpulse/pkg/logx"
	"netpulse/pkg/progress"
)

type fakeAPI struct {
	mu        sync.Mutex
	starts    []apiclient.StartRequest
	startResp *apiclient.StartResponse
	startErr  error
	block     chan struct{}

	history    []progress.HistoryEntry
	historyErr error
	rankings   []apiclient.ISPEntry
	netErr     error
}

func (f *fakeAPI) StartTest(ctx context.Context, req apiclient.StartRequest) (*apiclient.StartResponse, error) {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startResp == nil {
		return &apiclient.StartResponse{}, nil
	}
	return f.startResp, nil
}

func (f *fakeAPI) History(ctx context.Context, token string, limit int) ([]progress.HistoryEntry, error) {
	return f.history, f.historyErr
}

func (f *fakeAPI) Rankings(ctx context.Context, limit int) ([]apiclient.ISPEntry, error) {
	return f.rankings, nil
}

func (f *fakeAPI) NetworkInfo(ctx context.Context) (apiclient.NetworkInfo, error) {
	if f.netErr != nil {
		return apiclient.NetworkInfo{}, f.netErr
	}
	return apiclient.NetworkInfo{IP: "203.0.113.7", ISP: "Example ISP", ConnectionType: "fiber"}, nil
}

type fakeStream struct {
	events chan progress.Event
	states chan ws.ConnState
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan progress.Event, 64),
		states: make(chan ws.ConnState, 4),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Events() <-chan progress.Event { return f.events }
func (f *fakeStream) States() <-chan ws.ConnState   { return f.states }
func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeHealth struct{ up bool }

func (f fakeHealth) Connected() bool { return f.up }

type fixture struct {
	s      *Session
	api    *fakeAPI
	stream *fakeStream
	store  storage.Store
	bus    *eventbus.Bus[Update]
	arch   *archive.Archive
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		api:    &fakeAPI{},
		stream: newFakeStream(),
		store:  storage.NewMemory(),
		bus:    eventbus.New[Update](),
		arch:   archive.New(filepath.Join(t.TempDir(), "runs.ndjson")),
	}
	deps := Deps{
		API:     f.api,
		Open:    func(ctx context.Context, token string) (Stream, error) { return f.stream, nil },
		Store:   f.store,
		Archive: f.arch,
		Bus:     f.bus,
		Log:     logx.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.s = s
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pct(v float64) *float64 { return &v }

func TestNewTokenFormat(t *testing.T) {
	re := regexp.MustCompile(`^netpulse-\d{13}-[0-9a-f]{9}$`)
	a, b := NewToken(), NewToken()
	if !re.MatchString(a) {
		t.Fatalf("unexpected token %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatalf("expected error without API")
	}
	if _, err := New(Config{}, Deps{API: &fakeAPI{}}); err == nil {
		t.Fatalf("expected error without transport")
	}
	s, err := New(Config{Token: "fixed"}, Deps{API: &fakeAPI{}, Open: func(context.Context, string) (Stream, error) { return nil, nil }})
	if err != nil || s.Token() != "fixed" {
		t.Fatalf("expected configured token, got %q (%v)", s.Token(), err)
	}
}

func TestRunFoldsEventsAndPersists(t *testing.T) {
	f := newFixture(t, Config{Token: "tok"}, nil)
	f.api.rankings = []apiclient.ISPEntry{{Name: "alpha"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	f.stream.states <- ws.StateConnected
	f.stream.events <- progress.TestStarted()
	f.stream.events <- progress.StageCompleted(progress.StageServerSelection, 10, []byte(`{"name":"Jakarta"}`))
	for i := 1; i <= 3; i++ {
		f.stream.events <- progress.DownloadProgress(float64(i * 100))
	}
	dl := 320.0
	f.stream.events <- progress.TestCompleted(&progress.Results{Download: &progress.SpeedMetric{Speed: dl}}, []byte(`{"name":"Jakarta"}`), nil)

	waitFor(t, "completion", func() bool { return f.s.Snapshot().State.Stage == progress.StageComplete })
	waitFor(t, "ws connected", func() bool { return f.s.Snapshot().WSConnected })
	snap := f.s.Snapshot()
	if string(snap.State.Server) != `{"name":"Jakarta"}` {
		t.Fatalf("expected server from completion, got %s", snap.State.Server)
	}
	if got := snap.State.RealTime.DownloadSpeeds.Values(); len(got) != 3 || got[2] != 300 {
		t.Fatalf("unexpected download window %v", got)
	}
	if len(snap.State.History) != 1 || snap.State.History[0].Download != dl {
		t.Fatalf("unexpected history %+v", snap.State.History)
	}
	if len(snap.Rankings) != 1 || snap.Network.ISP != "Example ISP" {
		t.Fatalf("expected mount data, got %+v %+v", snap.Rankings, snap.Network)
	}

	waitFor(t, "archived run", func() bool {
		recs, _ := f.arch.Recent(10)
		return len(recs) == 1
	})
	cached, err := f.store.LoadHistory(context.Background(), DefaultCacheKey)
	if err != nil || len(cached) != 1 {
		t.Fatalf("expected cached history, got %v (%v)", cached, err)
	}
	recs, err := f.arch.Recent(10)
	if err != nil || len(recs) != 1 || recs[0].Session != "tok" {
		t.Fatalf("expected archived run, got %+v (%v)", recs, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-f.stream.closed:
	default:
		t.Fatalf("expected stream closed on shutdown")
	}
	if f.s.Snapshot().WSConnected {
		t.Fatalf("expected ws disconnected after shutdown")
	}
}

func TestRunTransportOpenError(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Open = func(context.Context, string) (Stream, error) { return nil, errors.New("bad url") }
	})
	if err := f.s.Run(context.Background()); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestMountFallsBackToCache(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.api.historyErr = errors.New("503")
	f.api.netErr = errors.New("timeout")
	cached := []progress.HistoryEntry{{Download: 42, Time: "7:00", Hour: 7}}
	if err := f.store.SaveHistory(context.Background(), DefaultCacheKey, cached); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	f.s.mount(context.Background())
	snap := f.s.Snapshot()
	if len(snap.State.History) != 1 || snap.State.History[0].Download != 42 {
		t.Fatalf("expected cached history, got %+v", snap.State.History)
	}
	if snap.Network.ISP != "Detecting..." {
		t.Fatalf("expected placeholder network info, got %+v", snap.Network)
	}
	if snap.Heatmap[7].Speed != 42 {
		t.Fatalf("expected heatmap from history, got %+v", snap.Heatmap[7])
	}
}

func TestMountCacheSourceSkipsBackend(t *testing.T) {
	f := newFixture(t, Config{HistorySource: HistorySourceCache}, nil)
	f.api.history = []progress.HistoryEntry{{Download: 1}}
	f.s.mount(context.Background())
	if n := len(f.s.Snapshot().State.History); n != 0 {
		t.Fatalf("expected backend history ignored, got %d entries", n)
	}
}

func TestStartTestSynchronousResults(t *testing.T) {
	f := newFixture(t, Config{Token: "tok"}, nil)
	rel := 97.0
	f.api.startResp = &apiclient.StartResponse{
		Results:  &progress.Results{Download: &progress.SpeedMetric{Speed: 250.46}, Upload: &progress.SpeedMetric{Speed: 40}},
		Metadata: &progress.Metadata{Server: []byte(`{"name":"Sby"}`), Reliability: &rel},
	}

	if err := f.s.StartTest(context.Background()); err != nil {
		t.Fatalf("StartTest: %v", err)
	}
	snap := f.s.Snapshot()
	if snap.State.Stage != progress.StageComplete || snap.State.Progress != 100 {
		t.Fatalf("expected complete, got %s %v", snap.State.Stage, snap.State.Progress)
	}
	if snap.State.Result.Reliability != 97 || string(snap.State.Server) != `{"name":"Sby"}` {
		t.Fatalf("unexpected result %+v", snap.State)
	}
	if snap.Notice == nil || snap.Notice.Message != "Speed test completed! Download: 250.5 Mbps, Upload: 40.0 Mbps" {
		t.Fatalf("unexpected notice %+v", snap.Notice)
	}
	if req := f.api.starts[0]; req.SessionToken != "tok" || req.TestConfig != apiclient.DefaultTestConfig() {
		t.Fatalf("unexpected request %+v", req)
	}

	// The push copy of the same completion must not add a second entry.
	f.s.Fold(context.Background(), progress.TestCompleted(&progress.Results{}, nil, nil))
	if n := len(f.s.Snapshot().State.History); n != 1 {
		t.Fatalf("expected one history entry, got %d", n)
	}
}

func TestStartTestAckLeavesRunRunning(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if err := f.s.StartTest(context.Background()); err != nil {
		t.Fatalf("StartTest: %v", err)
	}
	snap := f.s.Snapshot()
	if snap.State.Stage != progress.StageInitializing || !snap.Running {
		t.Fatalf("expected initializing, got %s", snap.State.Stage)
	}
	if err := f.s.StartTest(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if len(f.api.starts) != 1 {
		t.Fatalf("expected one initiation, got %d", len(f.api.starts))
	}
}

func TestStartTestAPIDown(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Health = fakeHealth{up: false} })
	err := f.s.StartTest(context.Background())
	if !errors.Is(err, ErrAPIDown) {
		t.Fatalf("expected ErrAPIDown, got %v", err)
	}
	snap := f.s.Snapshot()
	want := "API server is not available. Please check if the backend is running on port 5000."
	if snap.State.Stage != progress.StageError || snap.State.Error != want {
		t.Fatalf("unexpected state %s %q", snap.State.Stage, snap.State.Error)
	}
	if len(f.api.starts) != 0 {
		t.Fatalf("expected no initiation request")
	}
}

func TestStartTestFailure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.api.startErr = &apiclient.APIError{Status: 500, Message: "engine busy"}
	if err := f.s.StartTest(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	snap := f.s.Snapshot()
	if snap.State.Stage != progress.StageError || snap.State.Error != "engine busy" || snap.Running {
		t.Fatalf("unexpected state %+v", snap.State)
	}
}

func TestStopDuringInitiationDiscardsLateResponse(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.api.block = make(chan struct{})
	f.api.startErr = errors.New("connection reset")
	f.s.mount(context.Background())
	f.s.state = f.s.state.WithHistory([]progress.HistoryEntry{{Download: 5}})

	errc := make(chan error, 1)
	go func() { errc <- f.s.StartTest(context.Background()) }()
	waitFor(t, "initializing", func() bool { return f.s.Snapshot().State.Stage == progress.StageInitializing })

	f.s.Stop()
	close(f.api.block)
	<-errc

	snap := f.s.Snapshot()
	if snap.State.Stage != progress.StageIdle || snap.State.Error != "" {
		t.Fatalf("late failure leaked into reset state: %+v", snap.State)
	}
	if len(snap.State.History) != 1 {
		t.Fatalf("expected history kept across Stop")
	}
}

func TestPushErrorDuringRun(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.s.Fold(ctx, progress.TestStarted())
	f.s.Fold(ctx, progress.StageStarted(progress.StageDownload, pct(30)))
	f.s.Fold(ctx, progress.DownloadProgress(88))
	f.s.Fold(ctx, progress.TestError("timeout"))

	st := f.s.Snapshot().State
	if st.Stage != progress.StageError || st.Error != "timeout" || st.CurrentSpeed != 88 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestNoticeExpires(t *testing.T) {
	f := newFixture(t, Config{NoticeTTL: time.Second}, nil)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return now }
	f.s.Notify("hello", NoticeInfo)
	if n := f.s.Snapshot().Notice; n == nil || n.Message != "hello" {
		t.Fatalf("expected visible notice, got %+v", n)
	}
	now = now.Add(2 * time.Second)
	if n := f.s.Snapshot().Notice; n != nil {
		t.Fatalf("expected expired notice, got %+v", n)
	}
}

func TestUpdatesArePublished(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.s.Fold(context.Background(), progress.TestStarted())
	u := <-ch
	if u.Cause != CauseEvent || u.Event != progress.KindTestStarted || u.Snapshot.State.Stage != progress.StageServerSelection {
		t.Fatalf("unexpected update %+v", u)
	}
	f.s.Stop()
	u2 := <-ch
	if u2.Cause != CauseReset || u2.Snapshot.Version <= u.Snapshot.Version {
		t.Fatalf("expected newer reset update, got %+v", u2)
	}
}

func TestWaitReturnsOnTerminal(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if err := f.s.StartTest(context.Background()); err != nil {
		t.Fatalf("StartTest: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.s.Fold(context.Background(), progress.TestError("boom"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := f.s.Wait(ctx)
	if err != nil || snap.State.Stage != progress.StageError {
		t.Fatalf("expected error stage, got %s (%v)", snap.State.Stage, err)
	}
}

func TestAPIChangedPublishesConnection(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Health = fakeHealth{up: false} })
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	f.s.APIChanged(false)
	select {
	case u := <-ch:
		if u.Cause != CauseConnection || u.Snapshot.APIConnected {
			t.Fatalf("expected api-down connection update, got %+v", u.Cause)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update published")
	}
}

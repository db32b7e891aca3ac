package runtime

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/merge"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/remote"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = gdb.AutoMigrate(
		&models.Buildset{},
		&models.BuildsetSourceStamp{},
		&models.BuildRequest{},
		&models.BuildRequestClaim{},
		&models.Build{},
		&models.Worker{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

// fakeConn is a scriptable worker connection. Each StartCommand consumes
// the next scripted exit code and completes the command with it; a
// script of -1 leaves the command running until the test finishes it.
type fakeConn struct {
	mu         sync.Mutex
	events     chan remote.Event
	started    []remote.StartCommand
	interrupts []string
	script     []int
	pingErr    error
}

func newFakeConn(script ...int) *fakeConn {
	return &fakeConn{events: make(chan remote.Event, 64), script: script}
}

func (f *fakeConn) StartCommand(ctx context.Context, cmd remote.StartCommand) error {
	f.mu.Lock()
	f.started = append(f.started, cmd)
	rc := -1
	if len(f.script) > 0 {
		rc = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()
	if rc >= 0 {
		go f.complete(cmd.CommandID, rc)
	}
	return nil
}

func (f *fakeConn) complete(commandID string, rc int) {
	f.events <- remote.Event{
		CommandID: commandID,
		Kind:      remote.EventUpdate,
		Key:       remote.KeyRC,
		Value:     strconv.Itoa(rc),
	}
	f.events <- remote.Event{CommandID: commandID, Kind: remote.EventComplete}
}

func (f *fakeConn) Interrupt(ctx context.Context, commandID, reason string) error {
	f.mu.Lock()
	f.interrupts = append(f.interrupts, reason)
	f.mu.Unlock()
	// A real worker kills the process and the command completes with
	// no exit code.
	go func() {
		f.events <- remote.Event{CommandID: commandID, Kind: remote.EventComplete}
	}()
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeConn) Events() <-chan remote.Event { return f.events }

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeConn) lastCommandID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return ""
	}
	return f.started[len(f.started)-1].CommandID
}

func newTestRuntime(t *testing.T, gdb *gorm.DB, cfg config.BuilderConfig) *Runtime {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "linux"
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"true"}
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 60
	}
	store := claims.NewStore(gdb)
	return New(store, merge.NewEngine(store), cfg, "master-a", io.Discard)
}

func seedRequest(t *testing.T, gdb *gorm.DB, builder, revision string, props string) uint {
	t.Helper()
	now := time.Now()
	bs := models.Buildset{Reason: "test", Results: models.ResultsUnset, SubmittedAt: now}
	if err := gdb.Create(&bs).Error; err != nil {
		t.Fatalf("create buildset: %v", err)
	}
	stamp := models.BuildsetSourceStamp{
		BuildsetID: bs.ID,
		Codebase:   "default",
		Repository: "https://example.com/repo.git",
		Branch:     "main",
		Revision:   revision,
	}
	if err := gdb.Create(&stamp).Error; err != nil {
		t.Fatalf("create sourcestamp: %v", err)
	}
	req := models.BuildRequest{
		BuildsetID:  bs.ID,
		BuilderName: builder,
		Results:     models.ResultsUnset,
		SubmittedAt: now,
		Properties:  props,
	}
	if err := gdb.Create(&req).Error; err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req.ID
}

func getRequest(t *testing.T, gdb *gorm.DB, id uint) models.BuildRequest {
	t.Helper()
	var req models.BuildRequest
	if err := gdb.First(&req, id).Error; err != nil {
		t.Fatalf("load request %d: %v", id, err)
	}
	return req
}

func claimCount(t *testing.T, gdb *gorm.DB, brid uint) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(&models.BuildRequestClaim{}).Where("brid = ?", brid).Count(&n).Error; err != nil {
		t.Fatalf("count claims: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttachIsIdempotent(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})
	ctx := context.Background()

	conn := newFakeConn()
	session := remote.NewSession(conn)
	if err := rt.Attach(ctx, "w1", session); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := rt.Attach(ctx, "w1", session); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if got := rt.SlotState("w1"); got != SlotIdle {
		t.Errorf("SlotState(w1) = %q, want %q", got, SlotIdle)
	}

	var workers []models.Worker
	if err := gdb.Where("name = ?", "w1").Find(&workers).Error; err != nil {
		t.Fatalf("load workers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("worker rows = %d, want 1", len(workers))
	}
	if workers[0].MasterID != "master-a" || workers[0].State != SlotIdle {
		t.Errorf("worker row = %s/%s, want master-a/idle", workers[0].MasterID, workers[0].State)
	}
}

func TestDetachRemovesSlot(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})

	if err := rt.Attach(context.Background(), "w1", remote.NewSession(newFakeConn())); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	rt.Detach("w1")
	if got := rt.SlotState("w1"); got != SlotDetached {
		t.Errorf("SlotState(w1) = %q, want %q", got, SlotDetached)
	}
	var worker models.Worker
	if err := gdb.Where("name = ?", "w1").First(&worker).Error; err != nil {
		t.Fatalf("load worker: %v", err)
	}
	if worker.State != SlotDetached {
		t.Errorf("worker state = %q, want %q", worker.State, SlotDetached)
	}
}

func TestSchedulingRunsPendingRequests(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})

	a := seedRequest(t, gdb, "linux", "abc", "")
	b := seedRequest(t, gdb, "linux", "abc", "")
	c := seedRequest(t, gdb, "linux", "def", "")

	var mu sync.Mutex
	var finished []Finished
	rt.OnFinished = func(f Finished) {
		mu.Lock()
		finished = append(finished, f)
		mu.Unlock()
	}

	conn := newFakeConn(0, 0)
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitFor(t, "all requests complete", func() bool {
		for _, id := range []uint{a, b, c} {
			if !getRequest(t, gdb, id).Complete {
				return false
			}
		}
		return true
	})

	for _, id := range []uint{a, b, c} {
		req := getRequest(t, gdb, id)
		if req.Results != models.Success {
			t.Errorf("request %d results = %s, want success", id, req.Results)
		}
	}
	sib := getRequest(t, gdb, b)
	if sib.MergeBrid == nil || *sib.MergeBrid != a {
		t.Errorf("request %d merge pointer = %v, want %d", b, sib.MergeBrid, a)
	}

	// Two dispatched builds plus one synthetic row for the merged
	// sibling.
	if got := conn.startedCount(); got != 2 {
		t.Errorf("dispatched commands = %d, want 2", got)
	}
	var synthetic int64
	if err := gdb.Model(&models.Build{}).Where("synthetic = ?", true).Count(&synthetic).Error; err != nil {
		t.Fatalf("count synthetic builds: %v", err)
	}
	if synthetic != 1 {
		t.Errorf("synthetic builds = %d, want 1", synthetic)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 2 {
		t.Fatalf("finished events = %d, want 2", len(finished))
	}
	for _, f := range finished {
		if f.Results != models.Success {
			t.Errorf("finished results = %s, want success", f.Results)
		}
	}
}

func TestSchedulingSkipsClaimedRequests(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})
	store := claims.NewStore(gdb)

	id := seedRequest(t, gdb, "linux", "abc", "")
	if err := store.Claim([]uint{id}, "master-b", time.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	conn := newFakeConn()
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if got := rt.SlotState("w1"); got != SlotIdle {
		t.Errorf("SlotState(w1) = %q, want %q", got, SlotIdle)
	}
	if got := conn.startedCount(); got != 0 {
		t.Errorf("dispatched commands = %d, want 0", got)
	}
	if owner, err := store.ClaimOwner(id); err != nil || owner != "master-b" {
		t.Errorf("ClaimOwner = %q, %v, want master-b", owner, err)
	}
}

func TestSchedulingHonorsPinnedWorker(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})

	id := seedRequest(t, gdb, "linux", "abc", `{"workername":"w2"}`)

	conn := newFakeConn()
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if got := conn.startedCount(); got != 0 {
		t.Errorf("dispatched commands = %d, want 0", got)
	}
	if n := claimCount(t, gdb, id); n != 0 {
		t.Errorf("claims on pinned request = %d, want 0", n)
	}
	if got := rt.SlotState("w1"); got != SlotIdle {
		t.Errorf("SlotState(w1) = %q, want %q", got, SlotIdle)
	}
}

// A head request pinned to an absent worker must not block the
// unpinned work queued behind it.
func TestSchedulingSkipsPinnedHeadForLaterWork(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})

	pinned := seedRequest(t, gdb, "linux", "abc", `{"workername":"w9"}`)
	open := seedRequest(t, gdb, "linux", "def", "")

	conn := newFakeConn(0)
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitFor(t, "unpinned request complete", func() bool {
		return getRequest(t, gdb, open).Complete
	})
	if req := getRequest(t, gdb, open); req.Results != models.Success {
		t.Errorf("request %d results = %s, want success", open, req.Results)
	}
	if n := claimCount(t, gdb, pinned); n != 0 {
		t.Errorf("claims on pinned request = %d, want 0", n)
	}
	if getRequest(t, gdb, pinned).Complete {
		t.Errorf("request pinned to w9 completed without its worker")
	}
}

func TestSchedulingRoutesPinnedRequestToItsWorker(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})

	id := seedRequest(t, gdb, "linux", "abc", `{"workername":"w2"}`)

	other := newFakeConn()
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(other)); err != nil {
		t.Fatalf("Attach w1: %v", err)
	}
	target := newFakeConn(0)
	if err := rt.Attach(context.Background(), "w2", remote.NewSession(target)); err != nil {
		t.Fatalf("Attach w2: %v", err)
	}

	waitFor(t, "pinned request complete", func() bool {
		return getRequest(t, gdb, id).Complete
	})
	if got := other.startedCount(); got != 0 {
		t.Errorf("commands on w1 = %d, want 0", got)
	}
	if got := target.startedCount(); got != 1 {
		t.Errorf("commands on w2 = %d, want 1", got)
	}
	var build models.Build
	if err := gdb.Where("brid = ?", id).First(&build).Error; err != nil {
		t.Fatalf("load build: %v", err)
	}
	if build.WorkerName != "w2" {
		t.Errorf("build worker = %q, want %q", build.WorkerName, "w2")
	}
}

func TestPingFailureDetachesAndUnclaims(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{})
	rt.PingTimeout = 100 * time.Millisecond

	id := seedRequest(t, gdb, "linux", "abc", "")

	conn := newFakeConn()
	conn.pingErr = context.DeadlineExceeded
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if got := rt.SlotState("w1"); got != SlotDetached {
		t.Errorf("SlotState(w1) = %q, want %q", got, SlotDetached)
	}
	if n := claimCount(t, gdb, id); n != 0 {
		t.Errorf("claims after failed ping = %d, want 0", n)
	}
	if req := getRequest(t, gdb, id); req.Complete {
		t.Error("request completed by a failed ping")
	}
}

func TestArtifactReuseSkipsDispatch(t *testing.T) {
	gdb := openTestDB(t)
	rt := newTestRuntime(t, gdb, config.BuilderConfig{ReuseArtifacts: true})
	store := claims.NewStore(gdb)

	// A prior successful run of the same revision with a real build.
	prior := seedRequest(t, gdb, "linux", "abc", "")
	if err := store.Claim([]uint{prior}, "master-b", time.Now()); err != nil {
		t.Fatalf("Claim prior: %v", err)
	}
	if err := store.Complete([]uint{prior}, models.Success, time.Now()); err != nil {
		t.Fatalf("Complete prior: %v", err)
	}
	now := time.Now()
	build := models.Build{
		Number: 1, BuilderName: "linux", Brid: prior, WorkerName: "w9",
		Results: models.Success, StartedAt: now, CompleteAt: &now,
	}
	if err := gdb.Create(&build).Error; err != nil {
		t.Fatalf("create prior build: %v", err)
	}

	id := seedRequest(t, gdb, "linux", "abc", "")

	var mu sync.Mutex
	var finished []Finished
	rt.OnFinished = func(f Finished) {
		mu.Lock()
		finished = append(finished, f)
		mu.Unlock()
	}

	conn := newFakeConn()
	if err := rt.Attach(context.Background(), "w1", remote.NewSession(conn)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	waitFor(t, "request completion", func() bool {
		return getRequest(t, gdb, id).Complete
	})

	req := getRequest(t, gdb, id)
	if req.Results != models.Success {
		t.Errorf("results = %s, want success", req.Results)
	}
	if req.ArtifactBrid == nil || *req.ArtifactBrid != prior {
		t.Errorf("artifact pointer = %v, want %d", req.ArtifactBrid, prior)
	}
	if got := conn.startedCount(); got != 0 {
		t.Errorf("dispatched commands = %d, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 {
		t.Fatalf("finished events = %d, want 1", len(finished))
	}
	if finished[0].Results != models.Success || len(finished[0].Brids) != 1 || finished[0].Brids[0] != id {
		t.Errorf("finished = %+v, want success for request %d", finished[0], id)
	}
}

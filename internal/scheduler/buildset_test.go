package scheduler

import (
	"testing"
	"time"

	"github.com/zulandar/trestle/internal/models"
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
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func testStamps() models.StampSet {
	return models.StampSet{"default": {
		Repository: "https://example.com/repo.git",
		Branch:     "main",
		Revision:   "abc123",
	}}
}

func TestCreateBuildset_OneRequestPerBuilder(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()

	bsid, brids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps: testStamps(),
		Reason:       "push to main",
		BuilderNames: []string{"linux", "windows"},
		Priority:     2,
	}, now)
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}
	if len(brids) != 2 {
		t.Fatalf("requests = %d, want 2", len(brids))
	}

	bs, err := GetBuildset(gdb, bsid)
	if err != nil {
		t.Fatalf("GetBuildset: %v", err)
	}
	if bs.Reason != "push to main" {
		t.Errorf("reason = %q", bs.Reason)
	}
	if len(bs.SourceStamps) != 1 || bs.SourceStamps[0].Revision != "abc123" {
		t.Errorf("sourcestamps = %+v", bs.SourceStamps)
	}
	if len(bs.Requests) != 2 {
		t.Fatalf("member requests = %d, want 2", len(bs.Requests))
	}
	for _, req := range bs.Requests {
		if req.Priority != 2 {
			t.Errorf("request %d priority = %d, want 2", req.ID, req.Priority)
		}
		if req.Results != models.ResultsUnset {
			t.Errorf("request %d results = %s, want unset", req.ID, req.Results)
		}
	}
}

func TestCreateBuildset_RequiresBuildersAndStamps(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()

	_, _, err := CreateBuildset(gdb, CreateOpts{SourceStamps: testStamps()}, now)
	if err == nil {
		t.Error("expected error without builders")
	}
	_, _, err = CreateBuildset(gdb, CreateOpts{BuilderNames: []string{"linux"}}, now)
	if err == nil {
		t.Error("expected error without sourcestamps")
	}
}

func TestCreateBuildset_TriggeredChainRoot(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()

	_, rootBrids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps: testStamps(),
		BuilderNames: []string{"linux"},
	}, now)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	root := rootBrids["linux"]

	_, midBrids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps:    testStamps(),
		BuilderNames:    []string{"linux"},
		TriggeredByBrid: &root,
	}, now)
	if err != nil {
		t.Fatalf("create mid: %v", err)
	}
	mid := midBrids["linux"]

	_, leafBrids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps:    testStamps(),
		BuilderNames:    []string{"linux"},
		TriggeredByBrid: &mid,
	}, now)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	// Both downstream requests share the same chain root.
	var midReq, leafReq models.BuildRequest
	gdb.First(&midReq, mid)
	gdb.First(&leafReq, leafBrids["linux"])
	if midReq.StartBrid == nil || *midReq.StartBrid != root {
		t.Errorf("mid start_brid = %v, want %d", midReq.StartBrid, root)
	}
	if leafReq.StartBrid == nil || *leafReq.StartBrid != root {
		t.Errorf("leaf start_brid = %v, want %d", leafReq.StartBrid, root)
	}
}

func TestMaybeCompleteBuildset_WaitsForAllMembers(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()

	bsid, brids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps: testStamps(),
		BuilderNames: []string{"linux", "windows"},
	}, now)
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}

	gdb.Model(&models.BuildRequest{}).Where("id = ?", brids["linux"]).
		Updates(map[string]interface{}{"complete": true, "results": models.Success})

	completed, _, err := MaybeCompleteBuildset(gdb, bsid, now)
	if err != nil {
		t.Fatalf("MaybeCompleteBuildset: %v", err)
	}
	if completed {
		t.Fatal("buildset completed with a member still pending")
	}

	gdb.Model(&models.BuildRequest{}).Where("id = ?", brids["windows"]).
		Updates(map[string]interface{}{"complete": true, "results": models.Warnings})

	completed, results, err := MaybeCompleteBuildset(gdb, bsid, now)
	if err != nil {
		t.Fatalf("MaybeCompleteBuildset: %v", err)
	}
	if !completed {
		t.Fatal("buildset not completed with all members done")
	}
	if results != models.Warnings {
		t.Errorf("results = %s, want warnings (worst member)", results)
	}
}

func TestMaybeCompleteBuildset_TransitionHappensOnce(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now()

	bsid, brids, err := CreateBuildset(gdb, CreateOpts{
		SourceStamps: testStamps(),
		BuilderNames: []string{"linux"},
	}, now)
	if err != nil {
		t.Fatalf("CreateBuildset: %v", err)
	}
	gdb.Model(&models.BuildRequest{}).Where("id = ?", brids["linux"]).
		Updates(map[string]interface{}{"complete": true, "results": models.Success})

	first, _, err := MaybeCompleteBuildset(gdb, bsid, now)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := MaybeCompleteBuildset(gdb, bsid, now)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !first || second {
		t.Errorf("transitions = %v/%v, want true/false", first, second)
	}
}

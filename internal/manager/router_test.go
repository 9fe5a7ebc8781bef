package manager

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/metrics"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(testWriter{})
	return logrus.NewEntry(l)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	// A named in-memory db with cache=shared stays alive across the
	// multiple *sql.DB connections gorm's pool may open, unlike a bare
	// ":memory:" DSN which loses state on the second connection; naming
	// it after the test keeps each test's directory separate.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dir, err := OpenDirectory(dsn)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	return dir
}

// fakeNode stands in for a node's /api/streams/ and /api/streams/{id}
// admin surface, letting Router.pollStats and cascadeConnected be
// exercised without a real transport facade.
func fakeNode(t *testing.T, publishing, subscribing int, connected bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/streams/":
			type sub struct{}
			type pub struct{}
			type view struct {
				Publisher   *pub  `json:"publisher"`
				Subscribers []sub `json:"subscribers"`
			}
			views := make([]view, 0, publishing)
			for i := 0; i < publishing; i++ {
				v := view{Subscribers: make([]sub, subscribing)}
				v.Publisher = &pub{}
				views = append(views, v)
			}
			_ = json.NewEncoder(w).Encode(views)
		default:
			state := "connecting"
			if connected {
				state = "connected"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"publisher": map[string]string{"state": state},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCascadeCfg() config.Cascade {
	return config.Cascade{CheckAttempts: 3, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 60}
}

func TestSelectPublisherPicksLeastLoadedNode(t *testing.T) {
	dir := testDirectory(t)
	busy := fakeNode(t, 5, 0, true)
	idle := fakeNode(t, 0, 0, true)

	if err := dir.UpsertNode(NodeRecord{Alias: "b-busy", URL: busy.URL, PubMax: 10}); err != nil {
		t.Fatalf("upsert busy: %v", err)
	}
	if err := dir.UpsertNode(NodeRecord{Alias: "a-idle", URL: idle.URL, PubMax: 10}); err != nil {
		t.Fatalf("upsert idle: %v", err)
	}

	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	n, err := r.SelectPublisher("room1")
	if err != nil {
		t.Fatalf("select publisher: %v", err)
	}
	if n.Alias != "a-idle" {
		t.Fatalf("alias = %q, want a-idle (least loaded)", n.Alias)
	}
}

func TestSelectPublisherBreaksTiesOnAlias(t *testing.T) {
	dir := testDirectory(t)
	one := fakeNode(t, 0, 0, true)
	two := fakeNode(t, 0, 0, true)

	if err := dir.UpsertNode(NodeRecord{Alias: "zz", URL: one.URL, PubMax: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.UpsertNode(NodeRecord{Alias: "aa", URL: two.URL, PubMax: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	n, err := r.SelectPublisher("room1")
	if err != nil {
		t.Fatalf("select publisher: %v", err)
	}
	if n.Alias != "aa" {
		t.Fatalf("alias = %q, want aa (lexicographically first)", n.Alias)
	}
}

func TestSelectPublisherRejectsWhenAllAtCapacity(t *testing.T) {
	dir := testDirectory(t)
	full := fakeNode(t, 2, 0, true)
	if err := dir.UpsertNode(NodeRecord{Alias: "n1", URL: full.URL, PubMax: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	_, err := r.SelectPublisher("room1")
	if err == nil {
		t.Fatal("expected capacity error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodePubAtCapacity {
		t.Fatalf("got %v, want PubAtCapacity", err)
	}
}

func TestSelectSubscriberPrefersHomeNode(t *testing.T) {
	dir := testDirectory(t)
	home := fakeNode(t, 1, 1, true)
	if err := dir.UpsertNode(NodeRecord{Alias: "home", URL: home.URL, SubMax: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.RecordAffinity("room1", "home"); err != nil {
		t.Fatalf("record affinity: %v", err)
	}

	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	target, needsCascade, err := r.SelectSubscriber("room1")
	if err != nil {
		t.Fatalf("select subscriber: %v", err)
	}
	if target.Alias != "home" || needsCascade != "" {
		t.Fatalf("target=%q needsCascade=%q, want home with no cascade", target.Alias, needsCascade)
	}
}

func TestSelectSubscriberRequestsCascadeWhenHomeFull(t *testing.T) {
	dir := testDirectory(t)
	home := fakeNode(t, 1, 5, true)
	second := fakeNode(t, 0, 0, true)
	if err := dir.UpsertNode(NodeRecord{Alias: "home", URL: home.URL, SubMax: 5}); err != nil {
		t.Fatalf("upsert home: %v", err)
	}
	if err := dir.UpsertNode(NodeRecord{Alias: "second", URL: second.URL, SubMax: 5}); err != nil {
		t.Fatalf("upsert second: %v", err)
	}
	if err := dir.RecordAffinity("room1", "home"); err != nil {
		t.Fatalf("record affinity: %v", err)
	}

	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	target, needsCascade, err := r.SelectSubscriber("room1")
	if err != nil {
		t.Fatalf("select subscriber: %v", err)
	}
	if target.Alias != "second" || needsCascade != "home" {
		t.Fatalf("target=%q needsCascade=%q, want second cascaded from home", target.Alias, needsCascade)
	}
}

func TestSelectSubscriberNoAffinityIsNoStream(t *testing.T) {
	dir := testDirectory(t)
	r := NewRouter(dir, testCascadeCfg(), "secret", metrics.New(), testLog())
	defer r.Stop()

	_, _, err := r.SelectSubscriber("nonexistent")
	if err == nil {
		t.Fatal("expected error for stream with no affinity")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeNoStream {
		t.Fatalf("got %v, want NoStream", err)
	}
}

func TestBringUpCascadeRecordsAffinityOnceConnected(t *testing.T) {
	dir := testDirectory(t)
	cascadeRequested := false
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cascadeRequested = true
		w.WriteHeader(http.StatusOK)
	}))
	defer source.Close()
	target := fakeNode(t, 1, 0, true)

	if err := dir.UpsertNode(NodeRecord{Alias: "source", URL: source.URL}); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	if err := dir.UpsertNode(NodeRecord{Alias: "target", URL: target.URL}); err != nil {
		t.Fatalf("upsert target: %v", err)
	}

	r := NewRouter(dir, config.Cascade{CheckAttempts: 3, CheckTickTimeMS: 30, MaximumIdleTimeSec: 60}, "secret", metrics.New(), testLog())
	defer r.Stop()

	if err := r.BringUpCascade("room1", "source", "target"); err != nil {
		t.Fatalf("bring up cascade: %v", err)
	}
	if !cascadeRequested {
		t.Fatal("expected source node to receive a cascade bring-up request")
	}

	aliases, err := dir.AffinityFor("room1")
	if err != nil {
		t.Fatalf("affinity lookup: %v", err)
	}
	found := false
	for _, a := range aliases {
		if a == "target" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected target affinity recorded, got %v", aliases)
	}
}

func TestMintTokenRoundTrips(t *testing.T) {
	dir := testDirectory(t)
	r := NewRouter(dir, testCascadeCfg(), "shared-secret", metrics.New(), testLog())
	defer r.Stop()

	tok := r.MintToken("room1", time.Minute)
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if err := r.minter.Verify("room1", tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := r.minter.Verify("room2", tok); err == nil {
		t.Fatal("expected token to be scoped to its stream id")
	}
}

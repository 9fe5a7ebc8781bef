package manager

import "testing"

func TestDirectoryNodeRoundTrip(t *testing.T) {
	dir := testDirectory(t)

	if err := dir.UpsertNode(NodeRecord{Alias: "a", URL: "http://a", PubMax: 2, SubMax: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert with the same alias updates limits instead of duplicating.
	if err := dir.UpsertNode(NodeRecord{Alias: "a", URL: "http://a", PubMax: 5, SubMax: 3}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	nodes, err := dir.Nodes()
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].PubMax != 5 {
		t.Fatalf("nodes = %+v", nodes)
	}

	n, ok, err := dir.NodeByAlias("a")
	if err != nil || !ok || n.URL != "http://a" {
		t.Fatalf("lookup = %+v ok=%v err=%v", n, ok, err)
	}
	if _, ok, _ := dir.NodeByAlias("ghost"); ok {
		t.Fatal("unknown alias should not resolve")
	}
}

func TestDirectoryAffinityUniqueness(t *testing.T) {
	dir := testDirectory(t)

	if err := dir.RecordAffinity("room1", "a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Recording the same pair twice keeps a single row.
	if err := dir.RecordAffinity("room1", "a"); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if err := dir.RecordAffinity("room1", "b"); err != nil {
		t.Fatalf("second node: %v", err)
	}

	aliases, err := dir.AffinityFor("room1")
	if err != nil {
		t.Fatalf("affinity: %v", err)
	}
	if len(aliases) != 2 || aliases[0] != "a" || aliases[1] != "b" {
		t.Fatalf("aliases = %v", aliases)
	}

	if err := dir.RemoveAffinity("room1", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	aliases, _ = dir.AffinityFor("room1")
	if len(aliases) != 1 || aliases[0] != "b" {
		t.Fatalf("aliases after remove = %v", aliases)
	}

	streams, err := dir.StreamsForNode("b")
	if err != nil || len(streams) != 1 || streams[0] != "room1" {
		t.Fatalf("streams for node = %v err=%v", streams, err)
	}
}

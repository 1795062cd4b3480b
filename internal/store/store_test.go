package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tunnel.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentUpsertAndTokenLookup(t *testing.T) {
	s := testStore(t)
	id := uuid.New()

	if err := s.UpsertAgent(id, "build-box", "adminhash", "sharehash"); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	a, role, err := s.FindAgentByTokenHash("adminhash")
	if err != nil {
		t.Fatalf("FindAgentByTokenHash: %v", err)
	}
	if a == nil || a.ID != id || role != "admin" {
		t.Errorf("admin lookup = %+v role %q", a, role)
	}

	a, role, err = s.FindAgentByTokenHash("sharehash")
	if err != nil {
		t.Fatalf("FindAgentByTokenHash: %v", err)
	}
	if a == nil || a.ID != id || role != "user" {
		t.Errorf("share lookup = %+v role %q", a, role)
	}

	a, _, err = s.FindAgentByTokenHash("nope")
	if err != nil {
		t.Fatalf("FindAgentByTokenHash: %v", err)
	}
	if a != nil {
		t.Errorf("unknown hash matched agent %v", a.ID)
	}
}

func TestAgentUpsertReplacesHashes(t *testing.T) {
	s := testStore(t)
	id := uuid.New()

	if err := s.UpsertAgent(id, "old-name", "h1", "h2"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAgent(id, "new-name", "h3", "h4"); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetAgent(id)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Name != "new-name" || a.AdminTokenHash != "h3" {
		t.Errorf("record not replaced: %+v", a)
	}

	if old, _, _ := s.FindAgentByTokenHash("h1"); old != nil {
		t.Error("stale admin hash still matches")
	}
}

func TestDeleteAgentCascadesTags(t *testing.T) {
	s := testStore(t)
	id := uuid.New()
	if err := s.UpsertAgent(id, "a", "x", "y"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAgentTag(id, "prod"); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteAgent(id)
	if err != nil || !deleted {
		t.Fatalf("DeleteAgent = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteAgent(id)
	if err != nil || deleted {
		t.Fatalf("second DeleteAgent = %v, %v", deleted, err)
	}

	tags, err := s.GetAllTags()
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("tags survived agent deletion: %v", tags)
	}
}

func TestTags(t *testing.T) {
	s := testStore(t)
	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		if err := s.UpsertAgent(id, "agent", "h"+id.String(), "s"+id.String()); err != nil {
			t.Fatal(err)
		}
	}

	for _, tag := range []string{"prod", "eu", "prod"} { // duplicate is a no-op
		if err := s.AddAgentTag(a, tag); err != nil {
			t.Fatalf("AddAgentTag(%s): %v", tag, err)
		}
	}
	if err := s.AddAgentTag(b, "prod"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentTags(a)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "eu,prod" {
		t.Errorf("agent tags = %v, want [eu prod]", got)
	}

	all, err := s.GetAllTags()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(all, ",") != "eu,prod" {
		t.Errorf("all tags = %v, want [eu prod]", all)
	}

	if err := s.RemoveAgentTag(a, "prod"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAgentTags(a)
	if strings.Join(got, ",") != "eu" {
		t.Errorf("after remove = %v, want [eu]", got)
	}
}

func TestTerminalHistoryRoundTrip(t *testing.T) {
	s := testStore(t)
	id := uuid.New()

	for i, chunk := range []string{"Zmlyc3Q=", "c2Vjb25k", "dGhpcmQ="} {
		total, err := s.SaveTerminalHistory(id, chunk, 6, 64)
		if err != nil {
			t.Fatalf("SaveTerminalHistory %d: %v", i, err)
		}
		if want := int64(6 * (i + 1)); total != want {
			t.Errorf("total after chunk %d = %d, want %d", i, total, want)
		}
	}

	chunks, err := s.GetTerminalHistory(id)
	if err != nil {
		t.Fatalf("GetTerminalHistory: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceNumber != int64(i) {
			t.Errorf("chunk %d sequence = %d", i, c.SequenceNumber)
		}
	}
	if chunks[0].OutputData != "Zmlyc3Q=" {
		t.Errorf("first chunk = %q", chunks[0].OutputData)
	}

	if err := s.DeleteTerminalHistory(id); err != nil {
		t.Fatal(err)
	}
	chunks, err = s.GetTerminalHistory(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks after delete = %d", len(chunks))
	}
}

func TestTerminalHistoryTrimsToNinetyPercent(t *testing.T) {
	s := testStore(t)
	id := uuid.New()

	// 1 KiB ring; 100-byte chunks. The 11th insert crosses the limit and
	// must trim the oldest chunks back under 90% (921 bytes).
	var total int64
	var err error
	for i := 0; i < 11; i++ {
		total, err = s.SaveTerminalHistory(id, "data", 100, 1)
		if err != nil {
			t.Fatalf("SaveTerminalHistory %d: %v", i, err)
		}
	}
	if total > 921 {
		t.Errorf("total after trim = %d, want <= 921", total)
	}

	chunks, err := s.GetTerminalHistory(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("all chunks trimmed away")
	}
	if chunks[0].SequenceNumber == 0 {
		t.Errorf("oldest chunks not trimmed, first sequence = %d", chunks[0].SequenceNumber)
	}
	// Later saves keep numbering from where they left off.
	last := chunks[len(chunks)-1]
	if last.SequenceNumber != 10 {
		t.Errorf("last sequence = %d, want 10", last.SequenceNumber)
	}
}

func TestCleanupKeepsRecentHistory(t *testing.T) {
	s := testStore(t)
	id := uuid.New()
	if _, err := s.SaveTerminalHistory(id, "data", 4, 64); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.CleanupOldTerminalHistory(1)
	if err != nil {
		t.Fatalf("CleanupOldTerminalHistory: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted %d fresh chunks", deleted)
	}
	chunks, _ := s.GetTerminalHistory(id)
	if len(chunks) != 1 {
		t.Errorf("chunks = %d, want 1", len(chunks))
	}
}

func TestAuditLogs(t *testing.T) {
	s := testStore(t)
	agentID := uuid.New()

	events := []AuditEvent{
		{EventType: "auth_success", SessionID: "s1", UserRole: "admin", AgentID: &agentID, ClientIP: "10.0.0.1", Success: true},
		{EventType: "auth_failure", SessionID: "s2", UserRole: "unknown", ClientIP: "10.0.0.2", Success: false},
		{EventType: "auth_success", SessionID: "s3", UserRole: "user", AgentID: &agentID, ClientIP: "10.0.0.3", Success: true},
	}
	for _, ev := range events {
		if err := s.InsertAuditLog(ev); err != nil {
			t.Fatalf("InsertAuditLog: %v", err)
		}
	}

	logs, total, err := s.GetAuditLogs(nil, 10, 0)
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if total != 3 || len(logs) != 3 {
		t.Errorf("total = %d len = %d, want 3/3", total, len(logs))
	}

	filter := "auth_success"
	logs, total, err = s.GetAuditLogs(&filter, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(logs) != 2 {
		t.Errorf("filtered total = %d len = %d, want 2/2", total, len(logs))
	}
	for _, l := range logs {
		if l.EventType != "auth_success" {
			t.Errorf("filter leaked event %q", l.EventType)
		}
		if l.AgentID == nil || *l.AgentID != agentID {
			t.Errorf("agent id = %v, want %v", l.AgentID, agentID)
		}
	}

	logs, total, err = s.GetAuditLogs(nil, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(logs) != 1 {
		t.Errorf("page 2: total = %d len = %d, want 3/1", total, len(logs))
	}

	deleted, err := s.CleanupOldAuditLogs(1)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("cleanup deleted %d fresh logs", deleted)
	}
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('events','history')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"events", "history"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}

	// Idempotent.
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"pid": 123, "candidates": 2})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventReplySent, map[string]any{"chat_id": 456})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	if err := db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["pid"] != float64(123) {
		t.Errorf("expected pid=123, got %v", payload["pid"])
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventReplyFailed, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payload sql.NullString
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestEventLog_RecordsUnderParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventProcessStarted, nil)
	if err != nil {
		t.Fatal(err)
	}
	log := &EventLog{DB: db, ParentID: &parentID}
	if err := log.Record(context.Background(), EventAttemptFailed, map[string]any{"candidate": "a"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Record(context.Background(), EventAttemptFailed, map[string]any{"candidate": "b"}); err != nil {
		t.Fatal(err)
	}

	n, err := CountEvents(db, EventAttemptFailed)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 attempt.failed events, got %d", n)
	}

	var storedParent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE event_type = ? LIMIT 1`, EventAttemptFailed).Scan(&storedParent); err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}
}

func TestEventLog_NilIsNoop(t *testing.T) {
	var log *EventLog
	if err := log.Record(context.Background(), EventReplySent, nil); err != nil {
		t.Fatalf("nil event log should be a no-op, got %v", err)
	}
}

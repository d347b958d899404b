package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Event is one row of the events table with its children attached.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// ErrNoProcess is returned when no process.started event exists.
var ErrNoProcess = errors.New("no process.started event found")

// OpenReadOnly opens an existing database without creating it.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return db, nil
}

// LatestProcess returns the id of the most recent process.started event.
func LatestProcess(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventProcessStarted,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoProcess
	}
	return id, err
}

// Subtree loads rootID and all of its descendants.
func Subtree(db *sql.DB, rootID int64) (*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree of %d: %w", rootID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	root := link(events, rootID)
	if root == nil {
		return nil, fmt.Errorf("event %d not found", rootID)
	}
	return root, nil
}

// link attaches every event to its parent. Rows arrive ordered by id, so
// children end up ordered too.
func link(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if !ev.ParentID.Valid || ev.ParentID.Int64 == ev.ID {
			continue
		}
		if parent, ok := byID[ev.ParentID.Int64]; ok {
			parent.Children = append(parent.Children, ev)
		}
	}
	return byID[rootID]
}

// RenderOptions controls tree output. MaxDepth 0 means unlimited.
type RenderOptions struct {
	MaxDepth  int
	NoPayload bool
}

// RenderTree writes the tree with box-drawing connectors.
func RenderTree(w io.Writer, root *Event, opts RenderOptions) {
	fmt.Fprintln(w, formatEvent(root, opts.NoPayload))
	renderChildren(w, root, "", 1, opts)
}

func renderChildren(w io.Writer, ev *Event, prefix string, depth int, opts RenderOptions) {
	if len(ev.Children) == 0 {
		return
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		fmt.Fprintln(w, prefix+"└── [...]")
		return
	}
	for i, child := range ev.Children {
		connector, indent := "├── ", "│   "
		if i == len(ev.Children)-1 {
			connector, indent = "└── ", "    "
		}
		fmt.Fprintln(w, prefix+connector+formatEvent(child, opts.NoPayload))
		renderChildren(w, child, prefix+indent, depth+1, opts)
	}
}

// formatEvent renders "[id] time  type  key=value ..." with sorted keys.
func formatEvent(ev *Event, noPayload bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, time.Unix(ev.Timestamp, 0).UTC().Format(time.DateTime), ev.EventType)
	if noPayload {
		return b.String()
	}
	m := payloadMap(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(m[k]))
	}
	return b.String()
}

func payloadMap(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue prints whole numbers without exponent and truncates long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

// RenderJSON writes the tree as indented JSON.
func RenderJSON(w io.Writer, root *Event, opts RenderOptions) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSON(root, 1, opts))
}

func toJSON(ev *Event, depth int, opts RenderOptions) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !opts.NoPayload {
		if m := payloadMap(ev); m != nil {
			je.Payload = m
		}
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSON(child, depth+1, opts))
	}
	return je
}

package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OfflineIDPrefix marks identifiers generated on this device before the
// remote service has assigned a real one.
const OfflineIDPrefix = "offline_"

// NewOfflineID -> offline_<unix ms>_<8 hex>
func NewOfflineID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", OfflineIDPrefix, now.UnixMilli(), suffix)
}

func IsOfflineID(id string) bool {
	return strings.HasPrefix(id, OfflineIDPrefix)
}

const (
	FieldID        = "id"
	FieldSynced    = "synced"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Record is one business entity as stored locally and remotely: the sync
// attributes plus free-form payload fields.
type Record struct {
	ID        string
	Synced    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]interface{}
}

func NewRecord(id string, fields map[string]interface{}) Record {
	r := Record{ID: id, Fields: map[string]interface{}{}}
	for k, v := range fields {
		r.Set(k, v)
	}
	return r
}

// Timestamp is updated_at, falling back to created_at.
func (r Record) Timestamp() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

func (r Record) Get(key string) (interface{}, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[key]
	return v, ok
}

func (r Record) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

func (r Record) Float(key string) float64 {
	v, ok := r.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func (r Record) Time(key string) time.Time {
	t, _ := parseTime(r.Fields[key])
	return t
}

// Set writes a payload field. The sync attributes are routed to their own
// struct fields so they never live twice.
func (r *Record) Set(key string, value interface{}) {
	switch key {
	case FieldID:
		r.ID = fmt.Sprint(value)
		return
	case FieldSynced:
		b, _ := value.(bool)
		r.Synced = b
		return
	case FieldCreatedAt:
		r.CreatedAt, _ = parseTime(value)
		return
	case FieldUpdatedAt:
		r.UpdatedAt, _ = parseTime(value)
		return
	}
	if r.Fields == nil {
		r.Fields = map[string]interface{}{}
	}
	r.Fields[key] = value
}

// Merge copies the payload fields of patch onto r.
func (r *Record) Merge(patch Record) {
	for k, v := range patch.Fields {
		r.Set(k, v)
	}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Map flattens the record into one map, the shape sent to the remote service.
func (r Record) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Fields)+4)
	for k, v := range r.Fields {
		m[k] = cloneValue(v)
	}
	if r.ID != "" {
		m[FieldID] = r.ID
	}
	m[FieldSynced] = r.Synced
	if !r.CreatedAt.IsZero() {
		m[FieldCreatedAt] = formatTime(r.CreatedAt)
	}
	if !r.UpdatedAt.IsZero() {
		m[FieldUpdatedAt] = formatTime(r.UpdatedAt)
	}
	return m
}

func RecordFromMap(m map[string]interface{}) Record {
	r := Record{Fields: map[string]interface{}{}}
	for k, v := range m {
		r.Set(k, v)
	}
	return r
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = RecordFromMap(m)
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

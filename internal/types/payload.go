package types

import "time"

// Server record field names fixed by the REST contract. Every record the
// server returns carries at least these three.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updatedAt"
	FieldVersion   = "version"
)

// Version reads the server's monotonic version counter from a record.
// Records decoded from JSON carry it as float64.
func (p Payload) Version() (int, bool) {
	switch v := p[FieldVersion].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// UpdatedAt parses the record's ISO-8601 timestamp. Records without one,
// or with one that does not parse, report false; detection then falls back
// to local bookkeeping.
func (p Payload) UpdatedAt() (time.Time, bool) {
	s, ok := p[FieldUpdatedAt].(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SetVersion writes the version counter in the shape the server sends it.
func (p Payload) SetVersion(v int) {
	p[FieldVersion] = float64(v)
}

// SetUpdatedAt writes the timestamp in the wire format.
func (p Payload) SetUpdatedAt(t time.Time) {
	p[FieldUpdatedAt] = t.UTC().Format(time.RFC3339Nano)
}

package callstore

import (
	"encoding/json"
	"reflect"
	"time"
)

// StoredCallData is the resumption record written after a call starts.
// Field names match what the browser widget stores so records stay
// interchangeable.
type StoredCallData struct {
	WebCallURL   string          `json:"webCallUrl"`
	ID           string          `json:"id,omitempty"`
	ArtifactPlan *ArtifactPlan   `json:"artifactPlan,omitempty"`
	Assistant    json.RawMessage `json:"assistant,omitempty"`
	CallOptions  json.RawMessage `json:"callOptions,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	TabID        string          `json:"tabId,omitempty"`
}

type ArtifactPlan struct {
	VideoRecordingEnabled bool `json:"videoRecordingEnabled,omitempty"`
}

func (d *StoredCallData) CreatedAt() time.Time {
	if d == nil || d.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.Timestamp)
}

// EqualOptions reports whether two call option snapshots are structurally
// equal. Key order is irrelevant. Values json cannot represent (funcs,
// channels) never compare equal.
func EqualOptions(a, b any) bool {
	if isNil(a) && isNil(b) {
		return true
	}
	if isNil(a) || isNil(b) {
		return false
	}
	na, ok := normalize(a)
	if !ok {
		return false
	}
	nb, ok := normalize(b)
	if !ok {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, bool) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

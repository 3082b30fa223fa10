package influx

import (
	"testing"
	"time"
)

func TestSubmissionPoint(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	p := SubmissionPoint("acct", "pool", false, "stale template", at)

	if p.Name() != MeasurementSubmissions {
		t.Errorf("measurement = %s", p.Name())
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v", p.Time())
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{"account_id": "acct", "target": "pool", "accepted": "false"}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["reason"] != "stale template" {
		t.Errorf("reason field = %v", fields["reason"])
	}
	if fields["count"] != int64(1) {
		t.Errorf("count field = %#v", fields["count"])
	}
}

func TestSystemPoint(t *testing.T) {
	p := SystemPoint("poold", 12.5, 40, 33, time.Now())
	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	tests := []struct {
		key  string
		want any
	}{
		{"cpu_percent", 12.5},
		{"memory_percent", float64(40)},
		{"goroutines", int64(33)},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if fields[tt.key] != tt.want {
				t.Errorf("%s = %#v, want %#v", tt.key, fields[tt.key], tt.want)
			}
		})
	}
}

func TestSessionsPoint(t *testing.T) {
	tests := []struct {
		name      string
		connected int64
		want      map[string]any
	}{
		{"with pool-wide count", 3, map[string]any{"active": int64(7), "connected_keys": int64(3)}},
		{"count unavailable", -1, map[string]any{"active": int64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SessionsPoint("poold", 7, tt.connected, time.Now())
			if p.Name() != MeasurementSessions {
				t.Errorf("measurement = %s", p.Name())
			}
			got := make(map[string]any)
			for _, f := range p.FieldList() {
				got[f.Key] = f.Value
			}
			if len(got) != len(tt.want) {
				t.Fatalf("fields = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

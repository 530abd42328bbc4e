package jsontime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestUnixJSON(t *testing.T) {
	ep := Unix(time.Unix(1735689600, 0))
	b, err := json.Marshal(ep)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "1735689600" {
		t.Errorf("marshal = %s, want 1735689600", b)
	}

	var back Unix
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ep) {
		t.Errorf("round trip = %v, want %v", back, ep)
	}
}

func TestUnixJSONInStruct(t *testing.T) {
	type msg struct {
		CreateTime Unix `json:"create_time"`
	}
	var m msg
	if err := json.Unmarshal([]byte(`{"create_time": 1735689600}`), &m); err != nil {
		t.Fatal(err)
	}
	if got := m.CreateTime.Time().Unix(); got != 1735689600 {
		t.Errorf("create_time = %d, want 1735689600", got)
	}
}

func TestUnixMsgpack(t *testing.T) {
	ep := Unix(time.Unix(1735689600, 0))
	b, err := msgpack.Marshal(ep)
	if err != nil {
		t.Fatal(err)
	}

	var back Unix
	if err := msgpack.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ep) {
		t.Errorf("round trip = %v, want %v", back, ep)
	}
}

func TestUnixMsgpackInStruct(t *testing.T) {
	type rec struct {
		TS Unix `msgpack:"ts"`
	}
	in := rec{TS: Unix(time.Unix(1700000000, 0))}
	b, err := msgpack.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out rec
	if err := msgpack.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if !out.TS.Equal(in.TS) {
		t.Errorf("round trip = %v, want %v", out.TS, in.TS)
	}
}

func TestUnixCompare(t *testing.T) {
	a := Unix(time.Unix(100, 0))
	b := Unix(time.Unix(200, 0))
	if !a.Before(b) || b.Before(a) {
		t.Error("Before comparison wrong")
	}
	if !b.After(a) || a.After(b) {
		t.Error("After comparison wrong")
	}
	if got := b.Sub(a); got != 100*time.Second {
		t.Errorf("Sub = %v, want 100s", got)
	}
	if got := a.Add(time.Minute); got.Time().Unix() != 160 {
		t.Errorf("Add = %v", got)
	}
}

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"1h30m"`, 90 * time.Minute},
		{`"30s"`, 30 * time.Second},
		{`5000000000`, 5 * time.Second},
		{`null`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if d.Duration() != tt.want {
			t.Errorf("unmarshal %s = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}

	b, err := json.Marshal(Duration(90 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"1h30m0s"` {
		t.Errorf("marshal = %s, want \"1h30m0s\"", b)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("4h")); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 4*time.Hour {
		t.Errorf("UnmarshalText = %v, want 4h", d.Duration())
	}
	b, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "4h0m0s" {
		t.Errorf("MarshalText = %s, want 4h0m0s", b)
	}
}

func TestDurationOr(t *testing.T) {
	if got := (*Duration)(nil).Or(time.Minute); got != time.Minute {
		t.Errorf("nil Or = %v, want 1m", got)
	}
	zero := Duration(0)
	if got := zero.Or(time.Minute); got != time.Minute {
		t.Errorf("zero Or = %v, want 1m", got)
	}
	set := Duration(5 * time.Second)
	if got := set.Or(time.Minute); got != 5*time.Second {
		t.Errorf("set Or = %v, want 5s", got)
	}
}

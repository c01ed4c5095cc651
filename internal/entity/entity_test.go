package entity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Kind
	}{
		{"project", KindProject},
		{"task", KindTask},
		{" Connection ", KindConnection},
		{"SIDENOTE", KindSidenote},
	} {
		got, err := ParseKind(tc.in)
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "widget", "tasks"} {
		if _, err := ParseKind(in); err == nil {
			t.Errorf("ParseKind(%q) should fail", in)
		}
	}
}

func TestKindRankOrder(t *testing.T) {
	kinds := Kinds()
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1].Rank() >= kinds[i].Rank() {
			t.Errorf("rank of %s (%d) should precede %s (%d)",
				kinds[i-1], kinds[i-1].Rank(), kinds[i], kinds[i].Rank())
		}
	}
	if Kind("widget").Rank() <= KindSidenote.Rank() {
		t.Error("unknown kinds should sort after all known kinds")
	}
}

func TestValidID(t *testing.T) {
	valid := []string{"a", "task-42", "A_b-C", "550e8400-e29b-41d4-a716-446655440000"}
	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "path/part", string(make([]byte, 129))}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	p := &Payload{ID: "t1", UpdatedAt: time.Now()}
	if err := p.Validate(KindTask); err != nil {
		t.Fatalf("valid task payload rejected: %v", err)
	}

	if err := p.Validate(Kind("widget")); err == nil {
		t.Error("unknown kind should be rejected")
	}

	conn := &Payload{ID: "c1"}
	if err := conn.Validate(KindConnection); err == nil {
		t.Error("connection without endpoints should be rejected")
	}
	conn.FromID, conn.ToID = "a", "b"
	if err := conn.Validate(KindConnection); err != nil {
		t.Errorf("valid connection rejected: %v", err)
	}
}

func TestPositionOnlyDelta(t *testing.T) {
	mk := func(fields string) *Payload {
		return &Payload{ID: "t1", Fields: json.RawMessage(fields)}
	}

	t.Run("position change only", func(t *testing.T) {
		delta, ok := PositionOnlyDelta(
			mk(`{"title":"a","x":1,"y":2}`),
			mk(`{"title":"a","x":5,"y":2}`),
		)
		if !ok {
			t.Fatal("expected position-only delta")
		}
		if len(delta) != 1 || string(delta["x"]) != "5" {
			t.Errorf("unexpected delta: %v", delta)
		}
	})

	t.Run("content change disqualifies", func(t *testing.T) {
		if _, ok := PositionOnlyDelta(
			mk(`{"title":"a","x":1}`),
			mk(`{"title":"b","x":5}`),
		); ok {
			t.Error("title change should force a full push")
		}
	})

	t.Run("no change", func(t *testing.T) {
		if _, ok := PositionOnlyDelta(mk(`{"x":1}`), mk(`{"x":1}`)); ok {
			t.Error("identical payloads should not produce a delta")
		}
	})

	t.Run("removed content field disqualifies", func(t *testing.T) {
		if _, ok := PositionOnlyDelta(
			mk(`{"title":"a","x":1}`),
			mk(`{"x":2}`),
		); ok {
			t.Error("removed non-position field should force a full push")
		}
	})

	t.Run("nil sides", func(t *testing.T) {
		if _, ok := PositionOnlyDelta(nil, mk(`{"x":1}`)); ok {
			t.Error("nil previous payload should not produce a delta")
		}
	})
}

func TestPayloadClone(t *testing.T) {
	p := &Payload{ID: "t1", Fields: json.RawMessage(`{"x":1}`)}
	cp := p.Clone()
	cp.Fields[1] = 'y'
	if string(p.Fields) != `{"x":1}` {
		t.Error("Clone should deep-copy Fields")
	}
}

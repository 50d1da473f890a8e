package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	if cloned := m.Clone(); cloned == nil || len(cloned) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", cloned)
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With(KeyCorrelationID, "c1")
	if _, ok := base[KeyCorrelationID]; ok {
		t.Fatal("expected base map to remain unchanged")
	}
	if enriched.CorrelationID() != "c1" {
		t.Fatalf("unexpected correlation id %q", enriched.CorrelationID())
	}
}

func TestForwardKeepsOnlyCorrelationID(t *testing.T) {
	m := Metadata{KeyCorrelationID: "c1", KeyPublishedAt: "x", "other": "y"}
	fwd := m.Forward()
	if len(fwd) != 1 || fwd.CorrelationID() != "c1" {
		t.Fatalf("unexpected forwarded headers %#v", fwd)
	}
	if (Metadata{"other": "y"}).Forward() != nil {
		t.Fatal("expected nil without correlation id")
	}
}

func TestStampAndLag(t *testing.T) {
	msg := message.NewMessage("1", nil)
	published := time.Now().Add(-time.Second)
	Metadata{KeyCorrelationID: "c1"}.Stamp(msg, published)

	got := FromWatermill(msg.Metadata)
	if got.CorrelationID() != "c1" {
		t.Fatalf("expected correlation id to be stamped")
	}
	at, ok := got.PublishedAt()
	if !ok || !at.Equal(published.UTC()) {
		t.Fatalf("unexpected publish time %v (ok=%v)", at, ok)
	}
	if lag := got.Lag(); lag < time.Second {
		t.Fatalf("expected lag of at least a second, got %v", lag)
	}
}

func TestLagUnknown(t *testing.T) {
	if lag := (Metadata{}).Lag(); lag != -1 {
		t.Fatalf("expected -1, got %v", lag)
	}
	if lag := (Metadata{KeyPublishedAt: "nope"}).Lag(); lag != -1 {
		t.Fatalf("expected -1 for malformed header, got %v", lag)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), Metadata{KeyCorrelationID: "c1"})
	if FromContext(ctx).CorrelationID() != "c1" {
		t.Fatal("expected metadata from context")
	}
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil metadata for bare context")
	}
}

package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	cause := errors.New("denied")
	err := fmt.Errorf("join failed: %w", Forbidden("rooms.join", "not_member", cause))

	if KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %s", KindOf(err))
	}
	if CodeOf(err) != "rooms.join.not_member" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	err := errors.New("disk full")
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient, got %s", KindOf(err))
	}
	if Is(nil, KindTransient) {
		t.Fatalf("nil error must not match any kind")
	}
}

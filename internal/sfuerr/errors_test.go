package sfuerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NotFound("peer", "p1"), IsNotFound},
		{"incompatible", &IncompatibleCapabilitiesError{ProducerID: "x"}, IsIncompatible},
		{"negotiation", &TransportNegotiationError{TransportID: "t", Err: base}, IsNegotiation},
		{"engine fatal", &EngineFatalError{Err: base}, IsEngineFatal},
		{"probe", &IngestProbeFailure{CameraID: "cam01", Err: base}, IsProbeFailure},
		{"launch", &IngestLaunchFailure{CameraID: "cam01", Err: base}, IsLaunchFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if !tc.check(wrapped) {
				t.Fatalf("predicate did not match wrapped error %v", wrapped)
			}
			if tc.check(base) {
				t.Fatalf("predicate matched unrelated error")
			}
		})
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	base := errors.New("dtls handshake timeout")
	err := fmt.Errorf("connect: %w", &TransportNegotiationError{TransportID: "t1", Err: base})
	if !errors.Is(err, base) {
		t.Fatal("expected the negotiation error to unwrap to its cause")
	}
}

func TestNotFoundMessage(t *testing.T) {
	if got := NotFound("room", "security").Error(); got != `room "security" not found` {
		t.Fatalf("unexpected message %q", got)
	}
	if got := NotFound("peer", "").Error(); got != "peer not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

// Package sfuerr defines the error classes shared by the session registry,
// the media engine facade and the ingest supervisors.
package sfuerr

import (
	"errors"
	"fmt"
)

// NotFoundError reports an unknown or already closed room, peer, transport,
// producer or consumer.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound is a shorthand constructor.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IncompatibleCapabilitiesError is returned when a consumer cannot receive a
// producer with the RTP capabilities it announced.
type IncompatibleCapabilitiesError struct {
	ProducerID string
	Reason     string
}

func (e *IncompatibleCapabilitiesError) Error() string {
	msg := fmt.Sprintf("cannot consume producer %q", e.ProducerID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TransportNegotiationError wraps ICE/DTLS failures of one transport.
type TransportNegotiationError struct {
	TransportID string
	Err         error
}

func (e *TransportNegotiationError) Error() string {
	return fmt.Sprintf("transport %q negotiation failed: %v", e.TransportID, e.Err)
}

func (e *TransportNegotiationError) Unwrap() error {
	return e.Err
}

// IngestProbeFailure means a camera source did not answer the availability probe.
type IngestProbeFailure struct {
	CameraID string
	URL      string
	Err      error
}

func (e *IngestProbeFailure) Error() string {
	return fmt.Sprintf("camera %s: probe %s failed: %v", e.CameraID, e.URL, e.Err)
}

func (e *IngestProbeFailure) Unwrap() error {
	return e.Err
}

// IngestLaunchFailure means the transcoder for a camera could not be started
// or exited while the camera was being produced.
type IngestLaunchFailure struct {
	CameraID string
	Err      error
	// Output holds the last diagnostic lines of the transcoder, if any.
	Output []string
}

func (e *IngestLaunchFailure) Error() string {
	return fmt.Sprintf("camera %s: transcoder failed: %v", e.CameraID, e.Err)
}

func (e *IngestLaunchFailure) Unwrap() error {
	return e.Err
}

// EngineFatalError reports that the media engine worker died. In-process state
// cannot be rebuilt after this, so the process exits.
type EngineFatalError struct {
	Err error
}

func (e *EngineFatalError) Error() string {
	return fmt.Sprintf("media engine worker died: %v", e.Err)
}

func (e *EngineFatalError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err contains a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsIncompatible reports whether err contains an *IncompatibleCapabilitiesError.
func IsIncompatible(err error) bool {
	var target *IncompatibleCapabilitiesError
	return errors.As(err, &target)
}

// IsNegotiation reports whether err contains a *TransportNegotiationError.
func IsNegotiation(err error) bool {
	var target *TransportNegotiationError
	return errors.As(err, &target)
}

// IsEngineFatal reports whether err contains an *EngineFatalError.
func IsEngineFatal(err error) bool {
	var target *EngineFatalError
	return errors.As(err, &target)
}

// IsProbeFailure reports whether err contains an *IngestProbeFailure.
func IsProbeFailure(err error) bool {
	var target *IngestProbeFailure
	return errors.As(err, &target)
}

// IsLaunchFailure reports whether err contains an *IngestLaunchFailure.
func IsLaunchFailure(err error) bool {
	var target *IngestLaunchFailure
	return errors.As(err, &target)
}

package proto

import (
	"context"
	"errors"
	"fmt"

	"minerhub/internal/model"
)

// FailureKind classifies why a poll failed. The supervisor treats all kinds
// the same for liveness counting; the API surfaces them for operators.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureUnreachable FailureKind = "unreachable"
	FailureMalformed   FailureKind = "malformed-response"
)

// PollError wraps a protocol client failure with its classification.
type PollError struct {
	Kind FailureKind
	Err  error
}

func (e *PollError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// KindOf extracts the failure classification from an error chain, defaulting
// to unreachable for untyped errors.
func KindOf(err error) FailureKind {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureUnreachable
}

// Adapter is the protocol-facing surface the fleet supervisor polls through.
// One implementation exists per protocol family; the family stored on the
// device selects the implementation once, at device creation.
type Adapter interface {
	Family() string
	// Poll fetches a full status reading. The returned snapshot has DeviceID
	// and TS unset; the supervisor owns both.
	Poll(ctx context.Context, dev *model.Device) (*model.Snapshot, error)
	// Restart asks the device to reboot. Success means the wire exchange
	// succeeded, not that the device applied it.
	Restart(ctx context.Context, dev *model.Device) error
	SetFanSpeed(ctx context.Context, dev *model.Device, percent int) error
	SetWorkMode(ctx context.Context, dev *model.Device, mode string) error
}

// Registry holds one adapter per protocol family.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Family()] = a
	}
	return r
}

var ErrUnknownFamily = errors.New("unknown protocol family")

func (r *Registry) For(family string) (Adapter, error) {
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return a, nil
}

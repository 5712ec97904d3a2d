// Package landmarks locates facial landmarks in a frame.
//
// The model itself lives outside the process: PythonProvider drives a Face
// Mesh worker over stdin/stdout. Scripted produces landmarks from a schedule
// for demo runs and tests without a camera or a model.
package landmarks

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

var (
	// ErrWorkerExited is returned once the worker process is gone.
	ErrWorkerExited = errors.New("landmarks: worker exited")
	// ErrTimeout is returned when the worker does not answer in time.
	ErrTimeout = errors.New("landmarks: worker timeout")
	// ErrMessageTooLarge guards the length prefix against garbage input.
	ErrMessageTooLarge = errors.New("landmarks: message too large")
)

// Provider finds the landmarks of the first face in a frame. found is false
// when there is no face; that is not an error.
type Provider interface {
	Detect(ctx context.Context, frame types.Frame) (ls geometry.LandmarkSet, found bool, err error)
	Close() error
}

// ProviderFunc adapts a function to Provider. Close is a no-op.
type ProviderFunc func(ctx context.Context, frame types.Frame) (geometry.LandmarkSet, bool, error)

// Detect calls f.
func (f ProviderFunc) Detect(ctx context.Context, frame types.Frame) (geometry.LandmarkSet, bool, error) {
	return f(ctx, frame)
}

// Close implements Provider.
func (f ProviderFunc) Close() error { return nil }

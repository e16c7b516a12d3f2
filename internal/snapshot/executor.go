package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/model"
)

// LatestRef is the artifact of a snapshot command when no sink is
// configured: the frame is only available as the camera's latest.
const LatestRef = "latest"

// Executor runs TakeSnapshot commands for the camera lane of the gateway.
type Executor struct {
	Frames FrameSource
	// Sink is optional.
	Sink Sink
}

func (x *Executor) Execute(ctx context.Context, cmd gateway.Command) (gateway.Result, error) {
	if cmd.Kind != gateway.KindTakeSnapshot {
		return gateway.Result{}, fmt.Errorf("%w: camera does not support %s", model.ErrCommandRejected, cmd.Kind)
	}

	frame, err := x.Frames.TakeSnapshot()
	if err != nil {
		if errors.Is(err, model.ErrNoFrame) {
			return gateway.Result{}, fmt.Errorf("%w: no frame available", model.ErrCommandRejected)
		}
		return gateway.Result{}, err
	}
	if x.Sink == nil {
		return gateway.Result{Artifact: LatestRef}, nil
	}

	meta := Meta{
		Name:       fmt.Sprintf("snapshot-%d.jpg", frame.CapturedAt.UnixNano()),
		Seq:        frame.Seq,
		CapturedAt: frame.CapturedAt,
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	ref, err := store(ctx, x.Sink, meta, frame.Data, timeout)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("%w: store snapshot: %v", model.ErrCommandRejected, err)
	}
	return gateway.Result{Artifact: ref}, nil
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/metrics"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/watchdog"
)

// handle runs one gateway command on the loop goroutine. It ends when the
// caller's deadline passes or the manager stops, whichever is first.
func (m *Manager) handle(loopCtx context.Context, req request) (gateway.Result, error) {
	if err := req.ctx.Err(); err != nil {
		return gateway.Result{}, err
	}
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	cmd := req.cmd
	switch cmd.Kind {
	case gateway.KindSetMode:
		raw, ok := m.cfg.DPS.RawMode(cmd.Mode)
		if !ok {
			return gateway.Result{}, fmt.Errorf("%w: hub has no value for mode %s", model.ErrCommandRejected, cmd.Mode)
		}
		return gateway.Result{}, m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Mode, Value: raw})

	case gateway.KindTriggerSiren:
		if m.cfg.DPS.Siren == "" {
			return gateway.Result{}, fmt.Errorf("%w: no siren data point mapped", model.ErrCommandRejected)
		}
		return gateway.Result{}, m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Siren, Value: cmd.Siren})

	case gateway.KindSetVolume:
		level, err := m.volumeLevel(cmd.Volume)
		if err != nil {
			return gateway.Result{}, err
		}
		return gateway.Result{}, m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Volume, Value: level})

	case gateway.KindRearm:
		strategy := cmd.Strategy
		if strategy == "" {
			strategy = gateway.RearmSilent
		}
		err := m.rearm(ctx, cmd, strategy)
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.HubRearmsTotal.WithLabelValues(string(strategy), result).Inc()
		return gateway.Result{}, err
	}
	return gateway.Result{}, fmt.Errorf("%w: hub does not handle %s", model.ErrCommandRejected, cmd.Kind)
}

// volumeLevel resolves a requested level to the value written to the hub.
func (m *Manager) volumeLevel(level string) (string, error) {
	if m.cfg.DPS.Volume == "" {
		return "", fmt.Errorf("%w: no volume data point mapped", model.ErrCommandRejected)
	}
	switch level {
	case "":
		return "", fmt.Errorf("%w: volume level is empty", model.ErrCommandRejected)
	case gateway.VolumeMute:
		return m.cfg.DPS.VolumeMute, nil
	}
	return level, nil
}

// rearm returns the hub to an armed mode.
//
// Silent: clears the alarm flag and writes the configured re-arm points and,
// if needed, the target mode directly. The mode never passes through
// disarmed so the hub stays quiet.
//
// Normal: disarm, wait RearmDelay, arm. The hub beeps on both steps.
func (m *Manager) rearm(ctx context.Context, cmd gateway.Command, strategy gateway.RearmStrategy) error {
	target := cmd.Mode
	if target == model.ModeUnknown {
		target = m.cfg.AutoRearm.Target
	}
	if !target.Armed() {
		return fmt.Errorf("%w: re-arm target %s is not an armed mode", model.ErrCommandRejected, target)
	}
	raw, ok := m.cfg.DPS.RawMode(target)
	if !ok {
		return fmt.Errorf("%w: hub has no value for mode %s", model.ErrCommandRejected, target)
	}

	if cmd.SilenceSiren && m.cfg.DPS.Siren != "" {
		if err := m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Siren, Value: false}); err != nil {
			return fmt.Errorf("silence siren: %w", err)
		}
	}

	switch strategy {
	case gateway.RearmSilent:
		var points []model.DataPoint
		if m.cfg.DPS.Alarm != "" {
			points = append(points, model.DataPoint{Index: m.cfg.DPS.Alarm, Value: false})
		}
		points = append(points, m.cfg.DPS.SilentRearm...)
		if m.State().Mode != target {
			points = append(points, model.DataPoint{Index: m.cfg.DPS.Mode, Value: raw})
		}
		if len(points) == 0 {
			return nil
		}
		if err := m.write(ctx, points...); err != nil {
			return err
		}

	case gateway.RearmNormal:
		disarm, _ := m.cfg.DPS.RawMode(model.ModeDisarmed)
		if err := m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Mode, Value: disarm}); err != nil {
			return fmt.Errorf("disarm: %w", err)
		}
		select {
		case <-time.After(m.cfg.RearmDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Mode, Value: raw}); err != nil {
			return fmt.Errorf("arm: %w", err)
		}

	default:
		return fmt.Errorf("%w: unknown re-arm strategy %q", model.ErrCommandRejected, strategy)
	}

	log.Printf("[INFO] Hub Manager (%s): re-armed to %s (%s, origin %q)", m.cfg.DeviceID, target, strategy, cmd.Origin)
	return nil
}

// write sends points to the hub and, once acknowledged, applies them to the
// state as if they had been polled.
func (m *Manager) write(ctx context.Context, points ...model.DataPoint) error {
	tr, err := m.session(ctx)
	if err != nil {
		return err
	}

	err = watchdog.Run(ctx, m.cfg.RequestTimeout, func() { tr.Close() }, func(ctx context.Context) error {
		return tr.Set(ctx, points)
	})
	if err != nil {
		if !errors.Is(err, model.ErrCommandRejected) {
			m.dropSession()
		}
		return unreachable("set", err)
	}
	return m.apply(points, false)
}

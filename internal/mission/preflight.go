package mission

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"MissionBridge/internal/logger"
)

// PreflightOptions configures the arm, mode and takeoff commands
type PreflightOptions struct {
	BaseMode        float32
	CustomMode      float32
	TakeoffAltitude float32
	StepDelay       time.Duration
}

// DefaultPreflightOptions returns GUIDED mode (ArduCopter custom mode 4) and a 5m takeoff
func DefaultPreflightOptions() PreflightOptions {
	return PreflightOptions{
		BaseMode:        209,
		CustomMode:      4,
		TakeoffAltitude: 5,
		StepDelay:       time.Second,
	}
}

// Preflight arms the vehicle, switches its mode and commands a takeoff,
// pausing StepDelay after each command.
func Preflight(ctx context.Context, link Link, target Target, opts PreflightOptions) error {
	steps := []struct {
		name string
		cmd  *common.MessageCommandLong
	}{
		{"arm", &common.MessageCommandLong{
			Command: common.MAV_CMD_COMPONENT_ARM_DISARM,
			Param1:  1,
		}},
		{"set mode", &common.MessageCommandLong{
			Command: common.MAV_CMD_DO_SET_MODE,
			Param1:  opts.BaseMode,
			Param2:  opts.CustomMode,
		}},
		{"takeoff", &common.MessageCommandLong{
			Command: common.MAV_CMD_NAV_TAKEOFF,
			Param7:  opts.TakeoffAltitude,
		}},
	}

	for _, step := range steps {
		step.cmd.TargetSystem = target.SystemID
		step.cmd.TargetComponent = target.ComponentID
		if err := link.Send(step.cmd); err != nil {
			return fmt.Errorf("preflight %s: %w", step.name, err)
		}
		logger.Info("[PREFLIGHT] %s sent to %s", step.name, target)

		if opts.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.StepDelay):
			}
		}
	}
	return nil
}

package cli

import (
	"context"

	"github.com/fuzzkit/curator/pkg/reservoir"
)

// noopCalibrator and noopScheduler are the demo CLI's stand-ins for the
// out-of-scope calibration/scheduler collaborators (spec §1): reasonable
// defaults so the REPL can drive the reservoir without a real calibration
// harness wired in. The bench tool has its own benchCalibrator and
// benchScheduler.
type noopCalibrator struct{}

func (noopCalibrator) Calibrate(_ context.Context, _ *reservoir.Entry, _ int, _ reservoir.CalibrateFlags) (reservoir.CalibrationResult, error) {
	return reservoir.CalibrationResult{ExecUS: 1}, nil
}

type noopScheduler struct{}

func (noopScheduler) FavFactor(e *reservoir.Entry) uint64 {
	return uint64(len(e.TestcaseBuf))
}

func (noopScheduler) UpdateBitmapScore(_ *reservoir.Entry) {}

package llvm

import (
	"context"
	"strings"
	"time"

	"github.com/kyleseneker/gradlink/internal/diag"
	"github.com/kyleseneker/gradlink/internal/logx"
)

// Runner executes tool invocations for pipeline stages, logging each command
// and wrapping failures in a *diag.Error.
type Runner struct {
	Timeout time.Duration
	Log     *logx.Logger
}

// Stage runs bin with args on behalf of stage. A nonzero exit is returned as
// a *diag.Error carrying the command, its stderr and hint.
func (r Runner) Stage(ctx context.Context, stage diag.Stage, bin string, args []string, hint string) (Result, error) {
	res, err := Run(ctx, r.Timeout, bin, args...)
	r.Log.Stage(stage, "%s", res.Command)
	if r.Log.Verbose() {
		if s := strings.TrimSpace(res.Stdout); s != "" {
			r.Log.Debug(s)
		}
		if s := strings.TrimSpace(res.Stderr); s != "" {
			r.Log.Debug(s)
		}
	}
	if err != nil {
		return res, diag.New(stage, err, res.Command, res.Stderr, hint)
	}
	return res, nil
}

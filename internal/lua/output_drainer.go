package lua

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/groutine"
)

const drainGrace = 100 * time.Millisecond

// OutputDrainer copies engine output to stdout/stderr writers on a background goroutine.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	group      groutine.Group
}

// NewOutputDrainer starts draining output. Nil writers discard.
func NewOutputDrainer(ctx context.Context, output <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	d := &OutputDrainer{stop: make(chan struct{})}

	write := func(r OutputRecord) {
		w := stdout
		if r.Source == "stderr" {
			w = stderr
		}
		if _, err := fmt.Fprint(w, r.Content); err != nil {
			logger.WithError(err).WithField("source", r.Source).Warn("Output drainer: write failed")
		}
	}

	// flush writes whatever is still buffered, bounded by drainGrace.
	flush := func(reason string) {
		deadline := time.After(drainGrace)
		n := 0
		for {
			select {
			case r, ok := <-output:
				if !ok {
					return
				}
				write(r)
				n++
			case <-deadline:
				logger.WithFields(logrus.Fields{"reason": reason, "drained": n}).Debug("Output drainer: flush finished")
				return
			default:
				logger.WithFields(logrus.Fields{"reason": reason, "drained": n}).Debug("Output drainer: flush finished")
				return
			}
		}
	}

	d.group.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))
		for {
			select {
			case r, ok := <-output:
				if !ok {
					return
				}
				write(r)
			case <-d.stop:
				flush("stop")
				return
			case <-ctx.Done():
				flush("context-done")
				return
			}
		}
	})
	return d
}

// Cancel asks the drainer to flush and exit.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() {
	d.group.Wait()
}

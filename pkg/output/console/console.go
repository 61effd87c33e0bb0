package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ericogr/sensorlink/pkg/output"
)

// ConsoleOutput prints one line per metric.
type ConsoleOutput struct {
	w     io.Writer
	clock clock.Clock
}

func NewConsole() *ConsoleOutput { return NewConsoleWriter(os.Stdout, clock.New()) }

func NewConsoleWriter(w io.Writer, clk clock.Clock) *ConsoleOutput {
	return &ConsoleOutput{w: w, clock: clk}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Publish(ctx context.Context, p output.Payload) output.Result {
	ts := c.clock.Now().UTC().Format(time.RFC3339)
	names := make([]string, 0, len(p.Sensors))
	for name := range p.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Sensors[name]
		if _, err := fmt.Fprintf(c.w, "%s device=%s %s=%g %s\n", ts, p.DeviceID, name, v.Value, v.Unit); err != nil {
			return output.Failed(output.Unreachable(err))
		}
	}
	return output.OK(0)
}

func (c *ConsoleOutput) Close() error { return nil }

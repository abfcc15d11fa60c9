package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/mattjoyce/codexflow/internal/protocol"
)

// Pump copies newline-delimited units from Src to Dst, applying Transform to
// each unit. A unit is written and flushed before the next one is read, so a
// slow Dst holds back Src.
type Pump struct {
	Name      string
	Src       io.Reader
	Dst       io.Writer
	Transform protocol.TransformFunc // nil means pass through
	OnUnit    func()                 // called once per unit read, before it is written
}

// Run pumps until Src reaches EOF or an I/O error occurs. On EOF the
// unterminated tail, if any, is forwarded and Dst is closed when it is an
// io.Closer. A closed-stream error seen after ctx is done is a requested
// shutdown and returns nil.
func (p *Pump) Run(ctx context.Context) error {
	transform := p.Transform
	if transform == nil {
		transform = protocol.Identity
	}

	r := bufio.NewReader(p.Src)
	w := bufio.NewWriter(p.Dst)

	for {
		unit, readErr := r.ReadBytes('\n')
		if len(unit) > 0 {
			if p.OnUnit != nil {
				p.OnUnit()
			}
			if _, err := w.Write(transform(unit)); err != nil {
				return p.fail(ctx, "write", err)
			}
			if err := w.Flush(); err != nil {
				return p.fail(ctx, "flush", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				p.closeDst()
				return nil
			}
			return p.fail(ctx, "read", readErr)
		}
	}
}

func (p *Pump) fail(ctx context.Context, op string, err error) error {
	p.closeDst()
	if ctx.Err() != nil && isClosedStream(err) {
		return nil
	}
	return fmt.Errorf("%s pump %s: %w", p.Name, op, err)
}

func (p *Pump) closeDst() {
	if c, ok := p.Dst.(io.Closer); ok {
		_ = c.Close()
	}
}

// isClosedStream reports whether err means the other end of a pipe went away
// or the stream was closed under us.
func isClosedStream(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE)
}

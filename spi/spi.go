// Package spi models the Server Programming Interface surface the bridge
// exposes to guest code: a per-invocation connection, saved plans, and
// portals. A guest function that queries back into SQL goes through here,
// which is how nested invocations arise.
package spi

import (
	"github.com/pgbridge/pgbridge/dualstate"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/invoke"
	"github.com/pgbridge/pgbridge/pgmem"
)

// fetchBatchSize bounds how many rows a portal fetch returns before the
// unreachable-proxy queue is drained.
const fetchBatchSize = 64

// Row is one result row.
type Row []any

// Result is the outcome of one executed query.
type Result struct {
	Rows      []Row
	Processed int
}

// Executor runs SQL on behalf of a connection. The backend provides the real
// executor; tests provide fakes, including ones that re-enter the bridge.
type Executor interface {
	Execute(sql string, args []any) (*Result, error)
}

// Connection is one frame's SPI connection. It is scoped to exactly the frame
// that opened it: if the guest function returns without calling Finish, the
// frame's pop finishes it.
type Connection struct {
	stack    *invoke.Stack
	frame    *invoke.Frame
	exec     Executor
	procCtx  *pgmem.Context
	saved    *pgmem.Context
	finished bool
}

// Connect opens an SPI connection for the current frame. A frame has at most
// one connection; nested frames connect independently.
func Connect(stack *invoke.Stack, exec Executor) (*Connection, error) {
	frame := stack.Current()
	if frame == nil {
		return nil, &elog.ServerError{Data: elog.Internal("SPI connect with no active invocation")}
	}
	if frame.SPIConnected {
		return nil, &elog.ServerError{Data: elog.Newf(elog.ObjectInUseCode,
			"SPI is already connected in this invocation")}
	}

	mem := stack.Memory()
	procCtx := pgmem.NewContext(mem.Current(), "SPI Proc")
	saved := mem.SetCurrent(procCtx)

	c := &Connection{stack: stack, frame: frame, exec: exec, procCtx: procCtx, saved: saved}
	frame.SPIConnected = true
	frame.OnPop(func(wasException bool) {
		_ = c.Finish()
	})
	return c, nil
}

// Execute runs sql immediately.
func (c *Connection) Execute(sql string, args []any) (*Result, error) {
	if c.finished {
		return nil, &elog.ServerError{Data: elog.Newf(elog.ObjectNotInPrerequisiteStateCode,
			"SPI connection is finished")}
	}
	return c.exec.Execute(sql, args)
}

// Prepare saves a plan for sql. The plan's memory lives in the top context
// and is wrapped for guest exposure, so release can come from the guest side,
// from an explicit free, or from owner teardown.
func (c *Connection) Prepare(sql string, owner *pgmem.ResourceOwner) (*Plan, error) {
	if c.finished {
		return nil, &elog.ServerError{Data: elog.Newf(elog.ObjectNotInPrerequisiteStateCode,
			"SPI connection is finished")}
	}

	mem := c.stack.Memory()
	alloc := mem.Top().Alloc(1)
	p := &Plan{sql: sql, conn: c, alloc: alloc}
	p.state = c.stack.Registry().Wrap(p, owner, releasePlan)
	p.pin = c.stack.Registry().NewPin(p.state)
	return p, nil
}

// Finish closes the connection, restoring the caller's memory context.
// Idempotent; the frame's pop calls it when the guest did not.
func (c *Connection) Finish() error {
	if c.finished {
		return nil
	}
	c.finished = true
	c.frame.SPIConnected = false
	c.stack.Memory().SetCurrent(c.saved)
	c.procCtx.Delete()
	return nil
}

// Finished reports whether the connection has been closed.
func (c *Connection) Finished() bool { return c.finished }

// Plan is a saved plan exposed to guest code.
type Plan struct {
	sql   string
	conn  *Connection
	alloc *pgmem.Allocation
	state *dualstate.State
	pin   *dualstate.Pin
}

// SQL returns the plan's query text.
func (p *Plan) SQL() string { return p.sql }

// State returns the plan's dual-ownership record.
func (p *Plan) State() *dualstate.State { return p.state }

// Pin returns the guest-side wrapper.
func (p *Plan) Pin() *dualstate.Pin { return p.pin }

// releasePlan frees a saved plan. Registered once for the plan resource kind.
func releasePlan(resource any) error {
	p := resource.(*Plan)
	return p.alloc.Free()
}

// Open starts a portal scanning the plan's results. The portal's close is
// conditional: it is skipped when the enclosing call has already errored or
// teardown is running inside an expression-context callback, because the
// executor state backing it is already gone.
func (p *Plan) Open(args []any, owner *pgmem.ResourceOwner) (*Portal, error) {
	result, err := p.conn.exec.Execute(p.sql, args)
	if err != nil {
		return nil, err
	}

	stack := p.conn.stack
	frame := stack.Current()
	portalCtx := pgmem.NewContext(stack.Memory().Top(), "Portal")

	// The result rows are copied into the portal's own context so they
	// survive until the portal closes, whichever side closes it.
	table := &dualstate.TupleTable{Ctx: portalCtx}
	for _, row := range result.Rows {
		table.Tuples = append(table.Tuples, &dualstate.Tuple{
			Values: row,
			Alloc:  portalCtx.Alloc(len(row)),
		})
	}

	portal := &Portal{
		table:     table,
		processed: result.Processed,
		alloc:     portalCtx.Alloc(1),
	}
	release := dualstate.Conditional(releasePortal, func() bool {
		return frame != nil && (frame.ErrorOccurred || frame.InExprContextCallback)
	})
	portal.state = stack.Registry().Wrap(portal, owner, release)
	portal.pin = stack.Registry().NewPin(portal.state)
	portal.registry = stack.Registry()
	return portal, nil
}

// Portal is an open cursor over a plan's results.
type Portal struct {
	table     *dualstate.TupleTable
	processed int
	pos       int
	alloc     *pgmem.Allocation
	state     *dualstate.State
	pin       *dualstate.Pin
	registry  *dualstate.Registry
}

// State returns the portal's dual-ownership record.
func (p *Portal) State() *dualstate.State { return p.state }

// Pin returns the guest-side wrapper.
func (p *Portal) Pin() *dualstate.Pin { return p.pin }

// Fetch returns up to n rows. Fetching in bounded batches is one of the safe
// points at which unreachable proxies are drained.
func (p *Portal) Fetch(n int) ([]Row, error) {
	if p.state.Released() {
		return nil, &elog.ServerError{Data: elog.Newf(elog.ObjectNotInPrerequisiteStateCode,
			"fetch from a closed portal")}
	}
	if n > fetchBatchSize {
		n = fetchBatchSize
	}

	end := p.pos + n
	if end > len(p.table.Tuples) {
		end = len(p.table.Tuples)
	}
	rows := make([]Row, 0, end-p.pos)
	for _, tup := range p.table.Tuples[p.pos:end] {
		rows = append(rows, Row(tup.Values))
	}
	p.pos = end

	p.registry.CleanEnqueuedInstances()
	return rows, nil
}

// Processed returns the executor's processed-row count.
func (p *Portal) Processed() int { return p.processed }

// Close releases the portal from the guest side.
func (p *Portal) Close() error {
	return p.pin.Close()
}

// releasePortal closes a portal's executor state. Registered once for the
// portal resource kind, always behind the conditional-skip wrapper.
func releasePortal(resource any) error {
	p := resource.(*Portal)
	if err := p.alloc.Free(); err != nil {
		return err
	}
	return dualstate.ReleaseTupleTable(p.table)
}

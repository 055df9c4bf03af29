package spi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/dualstate"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/invoke"
	"github.com/pgbridge/pgbridge/pgmem"
	"github.com/pgbridge/pgbridge/spi"
)

type fakeExecutor struct {
	rows     []spi.Row
	executed []string
}

func (e *fakeExecutor) Execute(sql string, args []any) (*spi.Result, error) {
	e.executed = append(e.executed, sql)
	return &spi.Result{Rows: e.rows, Processed: len(e.rows)}, nil
}

func newTestStack(t *testing.T) *invoke.Stack {
	t.Helper()
	s := invoke.NewStack(pgmem.NewManager(), dualstate.NewRegistry(), nil)
	t.Cleanup(s.Close)
	return s
}

func sqlState(t *testing.T, err error) string {
	t.Helper()
	se, ok := elog.AsServerError(err)
	require.True(t, ok, "expected a server error, got %v", err)
	return se.SQLState()
}

func TestConnectRequiresActiveInvocation(t *testing.T) {
	stack := newTestStack(t)

	_, err := spi.Connect(stack, &fakeExecutor{})
	assert.Equal(t, elog.InternalErrorCode, sqlState(t, err))
}

func TestConnectSwitchesMemoryContext(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	callCtx := stack.Memory().Current()
	conn, err := spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)
	assert.True(t, f.SPIConnected)
	assert.Equal(t, "SPI Proc", stack.Memory().Current().Name())

	require.NoError(t, conn.Finish())
	assert.Same(t, callCtx, stack.Memory().Current())
	assert.False(t, f.SPIConnected)
}

func TestDoubleConnectRefused(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	_, err = spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)

	_, err = spi.Connect(stack, &fakeExecutor{})
	assert.Equal(t, elog.ObjectInUseCode, sqlState(t, err))
}

func TestPopFinishesConnection(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)

	conn, err := spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)

	stack.Pop(f, false)
	assert.True(t, conn.Finished())
}

func TestNestedConnectionsAreIndependent(t *testing.T) {
	stack := newTestStack(t)

	f1, err := stack.Push()
	require.NoError(t, err)
	conn1, err := spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)

	f2, err := stack.Push()
	require.NoError(t, err)
	conn2, err := spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)

	stack.Pop(f2, false)
	assert.True(t, conn2.Finished())
	assert.False(t, conn1.Finished())

	stack.Pop(f1, false)
	assert.True(t, conn1.Finished())
}

func TestExecuteAfterFinish(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	conn, err := spi.Connect(stack, &fakeExecutor{})
	require.NoError(t, err)
	require.NoError(t, conn.Finish())

	_, err = conn.Execute("select 1", nil)
	assert.Equal(t, elog.ObjectNotInPrerequisiteStateCode, sqlState(t, err))
}

func TestExecute(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	exec := &fakeExecutor{rows: []spi.Row{{int32(1)}, {int32(2)}}}
	conn, err := spi.Connect(stack, exec)
	require.NoError(t, err)

	result, err := conn.Execute("select n from t", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{"select n from t"}, exec.executed)
}

func TestPlanAndPortal(t *testing.T) {
	stack := newTestStack(t)
	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	rows := make([]spi.Row, 100)
	for i := range rows {
		rows[i] = spi.Row{int32(i)}
	}
	conn, err := spi.Connect(stack, &fakeExecutor{rows: rows})
	require.NoError(t, err)

	owner := pgmem.NewResourceOwner(nil, "portal owner")
	plan, err := conn.Prepare("select n from t", owner)
	require.NoError(t, err)
	assert.Equal(t, "select n from t", plan.SQL())

	portal, err := plan.Open(nil, owner)
	require.NoError(t, err)
	assert.Equal(t, 100, portal.Processed())

	// Fetches are bounded to the batch size regardless of what was asked.
	batch, err := portal.Fetch(1000)
	require.NoError(t, err)
	assert.Len(t, batch, 64)

	batch, err = portal.Fetch(1000)
	require.NoError(t, err)
	assert.Len(t, batch, 36)

	batch, err = portal.Fetch(10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, portal.Close())
	_, err = portal.Fetch(1)
	assert.Equal(t, elog.ObjectNotInPrerequisiteStateCode, sqlState(t, err))
}

func TestPortalReleasedByOwner(t *testing.T) {
	stack := newTestStack(t)
	reg := stack.Registry()
	top := pgmem.NewResourceOwner(nil, "top")
	reg.AttachOwnerTree(top)

	f, err := stack.Push()
	require.NoError(t, err)
	defer stack.Pop(f, false)

	conn, err := spi.Connect(stack, &fakeExecutor{rows: []spi.Row{{int32(1)}}})
	require.NoError(t, err)

	owner := pgmem.NewResourceOwner(top, "portal owner")
	plan, err := conn.Prepare("select 1", owner)
	require.NoError(t, err)
	portal, err := plan.Open(nil, owner)
	require.NoError(t, err)

	owner.Release(true, false)
	assert.True(t, portal.State().Released())
	assert.True(t, plan.State().Released())

	// Guest-side close after the owner won is a quiet no-op.
	require.NoError(t, portal.Close())
}

func TestPortalCloseSkippedAfterError(t *testing.T) {
	stack := newTestStack(t)
	reg := stack.Registry()
	top := pgmem.NewResourceOwner(nil, "top")
	reg.AttachOwnerTree(top)

	f, err := stack.Push()
	require.NoError(t, err)

	conn, err := spi.Connect(stack, &fakeExecutor{rows: []spi.Row{{int32(1)}}})
	require.NoError(t, err)

	owner := pgmem.NewResourceOwner(top, "portal owner")
	plan, err := conn.Prepare("select 1", owner)
	require.NoError(t, err)
	portal, err := plan.Open(nil, owner)
	require.NoError(t, err)

	// The executor state behind the portal is already gone once the call has
	// errored; the close must not touch it.
	f.ErrorOccurred = true
	require.NoError(t, portal.Close())
	assert.True(t, portal.State().Released())

	stack.Pop(f, true)
}

package pgbridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/coerce"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/fncache"
	"github.com/pgbridge/pgbridge/guest"
	"github.com/pgbridge/pgbridge/spi"
)

type fakeCatalog map[uint32]*fncache.CatalogEntry

func (c fakeCatalog) LookupFunction(oid uint32) (*fncache.CatalogEntry, error) {
	entry, ok := c[oid]
	if !ok {
		return nil, fmt.Errorf("no pg_proc entry for %d", oid)
	}
	return entry, nil
}

type logRecord struct {
	level LogLevel
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *recordingLogger) Log(ctx context.Context, level LogLevel, msg string, data map[string]interface{}) {
	l.mu.Lock()
	l.records = append(l.records, logRecord{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *recordingLogger) has(level LogLevel, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.level == level && r.msg == msg {
			return true
		}
	}
	return false
}

func newTestBackend(t *testing.T, settings string) (*Backend, *guest.InProc, fakeCatalog, *recordingLogger) {
	t.Helper()
	runtimeEverStarted.Store(false)

	config, err := ParseConfig(settings)
	require.NoError(t, err)
	logger := &recordingLogger{}
	config.Logger = logger

	runtime := guest.NewInProc()
	runtime.Register("com.example.Fns", "add", "(II)I", func(args []any) (any, error) {
		return args[0].(int32) + args[1].(int32), nil
	})

	catalog := fakeCatalog{
		1001: {
			OID:        1001,
			Name:       "add",
			Volatility: 'i',
			ParamOIDs:  []coerce.OID{coerce.Int4OID, coerce.Int4OID},
			ReturnOID:  coerce.Int4OID,
			Class:      "com.example.Fns",
			MethodName: "add",
			Signature:  "(II)I",
		},
	}

	return NewBackend(config, runtime, catalog), runtime, catalog, logger
}

func int4Datum(t *testing.T, b *Backend, v int32) coerce.Datum {
	t.Helper()
	datum, err := coerce.Int4Codec{}.CoerceObject(b.Types(), v)
	require.NoError(t, err)
	return datum
}

func int4Value(t *testing.T, b *Backend, datum coerce.Datum) int32 {
	t.Helper()
	v, err := coerce.Int4Codec{}.CoerceDatum(b.Types(), datum)
	require.NoError(t, err)
	return v.(int32)
}

func sqlState(t *testing.T, err error) string {
	t.Helper()
	se, ok := elog.AsServerError(err)
	require.True(t, ok, "expected a server error, got %v", err)
	return se.SQLState()
}

func TestInitReachesComplete(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")

	require.NoError(t, b.Init(context.Background()))
	assert.Equal(t, StageComplete, b.Stage())

	// A repeated Init is a no-op.
	require.NoError(t, b.Init(context.Background()))
}

func TestInitTolerantDeferralThenResume(t *testing.T) {
	b, runtime, _, logger := newTestBackend(t, "")
	b.runtime = nil

	err := b.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageOptionsRegistered, b.Stage())
	assert.True(t, logger.has(LogLevelWarn, "guest runtime initialization deferred"))

	// After the configuration is fixed the sequencer resumes where it stopped.
	b.runtime = runtime
	b.fns = fncache.NewCache(fncache.NewResolver(b.catalog, b.types, runtime))
	require.NoError(t, b.Init(context.Background()))
	assert.Equal(t, StageComplete, b.Stage())
}

func TestInitHardFailureWhileInstallingExtension(t *testing.T) {
	b, _, _, logger := newTestBackend(t, "enabled=off")
	b.InstallingExtension = true

	err := b.Init(context.Background())
	assert.Equal(t, elog.ConfigFileErrorCode, sqlState(t, err))
	assert.True(t, logger.has(LogLevelError, "guest runtime initialization failed"))
}

func TestInitVersionConstraint(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "min_runtime_version=>=99.0")
	b.InstallingExtension = true

	err := b.Init(context.Background())
	assert.Equal(t, elog.FeatureNotSupportedCode, sqlState(t, err))

	b2, _, _, _ := newTestBackend(t, "min_runtime_version=>=1.0")
	require.NoError(t, b2.Init(context.Background()))
}

func TestSecondRuntimeRefused(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	// Same process, second backend: the runtime cannot be created twice.
	config, err := ParseConfig("")
	require.NoError(t, err)
	b2 := NewBackend(config, guest.NewInProc(), fakeCatalog{})
	b2.InstallingExtension = true

	err = b2.Init(context.Background())
	se, ok := elog.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, elog.FeatureNotSupportedCode, se.SQLState())
	assert.Contains(t, se.Data.Message, "second guest runtime")
}

func TestCallHandler(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	result, err := b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(t, b, 2), int4Datum(t, b, 3)})
	require.NoError(t, err)
	assert.Equal(t, int32(5), int4Value(t, b, result))

	// The stack unwound completely.
	assert.Nil(t, b.Stack().Current())
	assert.Equal(t, 0, b.Stack().Depth())
}

func TestCallHandlerBeforeRuntimeStarted(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")

	_, err := b.CallHandler(context.Background(), 1001, nil)
	assert.Equal(t, elog.ConfigFileErrorCode, sqlState(t, err))
}

func TestCallHandlerUnknownFunction(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	_, err := b.CallHandler(context.Background(), 9999, nil)
	assert.Equal(t, elog.UndefinedFunctionCode, sqlState(t, err))
	assert.Nil(t, b.Stack().Current())
}

func TestCallHandlerArityMismatch(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	_, err := b.CallHandler(context.Background(), 1001, []coerce.Datum{int4Datum(t, b, 1)})
	assert.Equal(t, elog.InternalErrorCode, sqlState(t, err))
}

func TestCallHandlerExceptionFidelity(t *testing.T) {
	b, runtime, catalog, _ := newTestBackend(t, "")

	guestErr := &elog.ServerError{Data: &elog.ErrorData{
		Severity: elog.ErrorLevel,
		Code:     elog.ExternalRoutineExceptionCode,
		Message:  "division by zero in guest code",
		Detail:   "java.lang.ArithmeticException",
		Hint:     "check the divisor",
	}}
	runtime.Register("com.example.Fns", "explode", "()V", func([]any) (any, error) {
		return nil, guestErr
	})
	catalog[1002] = &fncache.CatalogEntry{
		OID:        1002,
		Name:       "explode",
		Volatility: 'v',
		Class:      "com.example.Fns",
		MethodName: "explode",
		Signature:  "()V",
	}
	require.NoError(t, b.Init(context.Background()))

	_, err := b.CallHandler(context.Background(), 1002, nil)
	se, ok := elog.AsServerError(err)
	require.True(t, ok)
	assert.Same(t, guestErr.Data, se.Data)

	// The failed call unwound; the backend accepts the next call.
	result, err := b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(t, b, 1), int4Datum(t, b, 1)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), int4Value(t, b, result))
}

// callbackExecutor routes SQL back into the call handler, the way the real
// executor re-enters the bridge when a query invokes another guest function.
type callbackExecutor struct {
	b      *Backend
	t      *testing.T
	depths []int
}

func (e *callbackExecutor) Execute(sql string, args []any) (*spi.Result, error) {
	e.depths = append(e.depths, e.b.Stack().Depth())
	result, err := e.b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(e.t, e.b, 2), int4Datum(e.t, e.b, 3)})
	if err != nil {
		return nil, err
	}
	return &spi.Result{
		Rows:      []spi.Row{{int4Value(e.t, e.b, result)}},
		Processed: 1,
	}, nil
}

func TestNestedInvocationThroughSPI(t *testing.T) {
	b, runtime, catalog, _ := newTestBackend(t, "")
	exec := &callbackExecutor{b: b, t: t}
	b.SetExecutor(exec)

	// The guest function re-enters native code, connects SPI, and runs a
	// query that itself calls back into guest code.
	runtime.Register("com.example.Fns", "lookupSum", "()I", func([]any) (any, error) {
		leave, err := b.Gate().EnterNative(b.Gate().MainToken())
		if err != nil {
			return nil, err
		}
		defer leave()

		conn, err := b.SPIConnect()
		if err != nil {
			return nil, err
		}
		result, err := conn.Execute("select add(2, 3)", nil)
		if err != nil {
			return nil, err
		}
		return result.Rows[0][0].(int32), nil
	})
	catalog[1005] = &fncache.CatalogEntry{
		OID:        1005,
		Name:       "lookup_sum",
		Volatility: 'v',
		ReturnOID:  coerce.Int4OID,
		Class:      "com.example.Fns",
		MethodName: "lookupSum",
		Signature:  "()I",
	}
	require.NoError(t, b.Init(context.Background()))

	result, err := b.CallHandler(context.Background(), 1005, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(5), int4Value(t, b, result))

	// The executor saw the outer frame still on the stack, and everything
	// unwound afterwards, the guest's SPI connection included.
	assert.Equal(t, []int{1}, exec.depths)
	assert.Nil(t, b.Stack().Current())
	assert.Equal(t, 0, b.Stack().Depth())
}

func TestCallHandlerRecordsLoaderOnFrame(t *testing.T) {
	b, runtime, catalog, _ := newTestBackend(t, "")

	// The frame carries the loader of the class that resolved the function,
	// visible to guest code for the span of the call.
	var loader any
	runtime.Register("com.example.Fns", "whoLoadedMe", "()V", func([]any) (any, error) {
		loader = b.Stack().Current().Loader()
		return nil, nil
	})
	catalog[1006] = &fncache.CatalogEntry{
		OID:        1006,
		Name:       "who_loaded_me",
		Volatility: 'v',
		Class:      "com.example.Fns",
		MethodName: "whoLoadedMe",
		Signature:  "()V",
	}
	require.NoError(t, b.Init(context.Background()))

	_, err := b.CallHandler(context.Background(), 1006, nil)
	require.NoError(t, err)
	assert.Equal(t, "com.example.Fns", loader)
}

func TestCancelIsOneShot(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	b.SetCancelPending()
	_, err := b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(t, b, 1), int4Datum(t, b, 1)})
	assert.Equal(t, elog.QueryCanceledCode, sqlState(t, err))

	_, err = b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(t, b, 1), int4Datum(t, b, 1)})
	require.NoError(t, err)
}

func TestTerminatePersists(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	b.SetTerminatePending()
	for i := 0; i < 2; i++ {
		_, err := b.CallHandler(context.Background(), 1001,
			[]coerce.Datum{int4Datum(t, b, 1), int4Datum(t, b, 1)})
		assert.Equal(t, elog.AdminShutdownCode, sqlState(t, err))
	}
}

func TestCancelDuringGuestCall(t *testing.T) {
	b, runtime, catalog, _ := newTestBackend(t, "")

	// The cancel arrives while guest code runs; it is serviced at the native
	// safe point after re-entry, not inside the guest call.
	runtime.Register("com.example.Fns", "slow", "()V", func([]any) (any, error) {
		b.SetCancelPending()
		return nil, nil
	})
	catalog[1003] = &fncache.CatalogEntry{
		OID:        1003,
		Name:       "slow",
		Volatility: 'v',
		Class:      "com.example.Fns",
		MethodName: "slow",
		Signature:  "()V",
	}
	require.NoError(t, b.Init(context.Background()))

	_, err := b.CallHandler(context.Background(), 1003, nil)
	assert.Equal(t, elog.QueryCanceledCode, sqlState(t, err))
}

func TestClearFunctionCacheKeepsInUseDescriptor(t *testing.T) {
	b, runtime, catalog, _ := newTestBackend(t, "")

	runtime.Register("com.example.Fns", "clearCaches", "()V", func([]any) (any, error) {
		b.ClearFunctionCache()
		return nil, nil
	})
	catalog[1004] = &fncache.CatalogEntry{
		OID:        1004,
		Name:       "clear_caches",
		Volatility: 'v',
		Class:      "com.example.Fns",
		MethodName: "clearCaches",
		Signature:  "()V",
	}
	require.NoError(t, b.Init(context.Background()))

	// Warm the cache with a descriptor that will not be on the stack.
	_, err := b.CallHandler(context.Background(), 1001,
		[]coerce.Datum{int4Datum(t, b, 1), int4Datum(t, b, 1)})
	require.NoError(t, err)
	require.NotNil(t, b.Functions().Get(1001))

	_, err = b.CallHandler(context.Background(), 1004, nil)
	require.NoError(t, err)

	// The descriptor mid-call survived the clear; the idle one did not.
	assert.NotNil(t, b.Functions().Get(1004))
	assert.Nil(t, b.Functions().Get(1001))
}

func TestShutdownBoundedWait(t *testing.T) {
	b, runtime, _, _ := newTestBackend(t, "shutdown_timeout=30ms")
	require.NoError(t, b.Init(context.Background()))

	runtime.ShutdownDelay = 500 * time.Millisecond
	err := b.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownRunsOnce(t *testing.T) {
	b, _, _, _ := newTestBackend(t, "")
	require.NoError(t, b.Init(context.Background()))

	require.NoError(t, b.Shutdown(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestExitHooksRunInReverseOrder(t *testing.T) {
	var order []int
	RegisterExitHook(func() { order = append(order, 1) })
	RegisterExitHook(func() { order = append(order, 2) })

	RunExitHooks()
	assert.Equal(t, []int{2, 1}, order)

	// Hooks are consumed.
	RunExitHooks()
	assert.Equal(t, []int{2, 1}, order)
}

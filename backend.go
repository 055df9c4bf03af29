package pgbridge

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Masterminds/semver/v3"

	"github.com/pgbridge/pgbridge/coerce"
	"github.com/pgbridge/pgbridge/dualstate"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/fncache"
	"github.com/pgbridge/pgbridge/gate"
	"github.com/pgbridge/pgbridge/guest"
	"github.com/pgbridge/pgbridge/invoke"
	"github.com/pgbridge/pgbridge/pgmem"
	"github.com/pgbridge/pgbridge/spi"
)

// Stage is the lifecycle manager's position in the startup sequence.
// Transitions are forward-only on success; a tolerated failure leaves the
// stage where it was so a later attempt resumes there after a configuration
// fix.
type Stage int

const (
	StageUnconfigured Stage = iota
	StageOptionsRegistered
	StageRuntimeLocated
	StagePolicyKnown
	StageEnabledChecked
	StageLibraryOpened
	StageEntrySymbolFound
	StageNativeSetupDone
	StageOptionListBuilt
	StageRuntimeStarted
	StageSignalHandlersInstalled
	StageBootstrapLoaded
	StageFound
	StageInstallGroundworkDone
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageUnconfigured:
		return "unconfigured"
	case StageOptionsRegistered:
		return "options registered"
	case StageRuntimeLocated:
		return "runtime located"
	case StagePolicyKnown:
		return "policy known"
	case StageEnabledChecked:
		return "enabled check passed"
	case StageLibraryOpened:
		return "library opened"
	case StageEntrySymbolFound:
		return "entry symbol found"
	case StageNativeSetupDone:
		return "native setup done"
	case StageOptionListBuilt:
		return "option list built"
	case StageRuntimeStarted:
		return "runtime started"
	case StageSignalHandlersInstalled:
		return "signal handlers installed"
	case StageBootstrapLoaded:
		return "bootstrap loaded"
	case StageFound:
		return "fully found"
	case StageInstallGroundworkDone:
		return "install groundwork done"
	case StageComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// runtimeEverStarted detects an attempt to start a second runtime in the same
// process, which most guest runtimes cannot survive. The only recovery is to
// end the session, so the diagnostic is specific.
var runtimeEverStarted atomic.Bool

// exitHooks collects the process-exit callbacks. The lifecycle manager
// registers exactly one; the embedding process runs them at exit.
var (
	exitHooksMu sync.Mutex
	exitHooks   []func()
)

// RegisterExitHook adds a callback run by RunExitHooks at process exit.
func RegisterExitHook(f func()) {
	exitHooksMu.Lock()
	exitHooks = append(exitHooks, f)
	exitHooksMu.Unlock()
}

// RunExitHooks runs registered exit hooks in reverse registration order. The
// embedding process calls this once, on its exit path.
func RunExitHooks() {
	exitHooksMu.Lock()
	hooks := exitHooks
	exitHooks = nil
	exitHooksMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Backend owns the single embedded guest runtime of one backend process and
// every piece of bridge state: the memory manager, the resource owner tree,
// the dual-ownership registry, the invocation stack, the gate, and the
// function cache.
type Backend struct {
	config  *Config
	runtime guest.Runtime
	catalog fncache.CatalogReader

	mem      *pgmem.Manager
	topOwner *pgmem.ResourceOwner
	ds       *dualstate.Registry
	stack    *invoke.Stack
	gate     *gate.Gate
	types    *coerce.Registry
	fns      *fncache.Cache
	executor spi.Executor

	stage              Stage
	exitHookRegistered bool
	startedThisProcess bool
	shutdownOnce       sync.Once

	// InstallingExtension marks that an extension-creation command is in
	// progress: initialization failures are then hard errors, because a
	// silent partial installation would be worse than failing loudly.
	InstallingExtension bool

	cancelPending    atomic.Bool
	terminatePending atomic.Bool
	signalCh         chan os.Signal
}

// NewBackend assembles a backend over the given runtime and catalog. Nothing
// is started until Init.
func NewBackend(config *Config, runtime guest.Runtime, catalog fncache.CatalogReader) *Backend {
	mem := pgmem.NewManager()
	ds := dualstate.NewRegistry()

	b := &Backend{
		config:   config,
		runtime:  runtime,
		catalog:  catalog,
		mem:      mem,
		topOwner: pgmem.NewResourceOwner(nil, "TopTransaction"),
		ds:       ds,
		types:    coerce.NewDefaultRegistry(),
	}
	b.stack = invoke.NewStack(mem, ds, b.coreLog)
	b.gate = gate.New(b.stack, config.policy, b.coreLog)
	b.fns = fncache.NewCache(fncache.NewResolver(catalog, b.types, runtime))
	return b
}

// Gate returns the backend's call gate.
func (b *Backend) Gate() *gate.Gate { return b.gate }

// Stack returns the backend's invocation stack.
func (b *Backend) Stack() *invoke.Stack { return b.stack }

// Memory returns the backend's memory manager.
func (b *Backend) Memory() *pgmem.Manager { return b.mem }

// Registry returns the dual-ownership registry.
func (b *Backend) Registry() *dualstate.Registry { return b.ds }

// Types returns the coercion registry.
func (b *Backend) Types() *coerce.Registry { return b.types }

// Functions returns the function descriptor cache.
func (b *Backend) Functions() *fncache.Cache { return b.fns }

// TopOwner returns the top-level resource owner.
func (b *Backend) TopOwner() *pgmem.ResourceOwner { return b.topOwner }

// Stage returns how far initialization has proceeded.
func (b *Backend) Stage() Stage { return b.stage }

// SetExecutor wires the SQL executor SPI connections run against.
func (b *Backend) SetExecutor(exec spi.Executor) { b.executor = exec }

// SPIConnect opens an SPI connection for the current invocation.
func (b *Backend) SPIConnect() (*spi.Connection, error) {
	return spi.Connect(b.stack, b.executor)
}

// Init drives the startup sequencer from wherever it last stopped. With
// tolerant true a stage failure logs a warning and returns, leaving the stage
// for a resumed attempt after a configuration fix; otherwise, and always when
// an extension creation is in progress, the failure is a hard error.
func (b *Backend) Init(ctx context.Context) error {
	tolerant := !b.InstallingExtension && b.stage == StageUnconfigured

	type step struct {
		next Stage
		run  func(ctx context.Context) error
	}
	steps := []step{
		{StageOptionsRegistered, b.registerOptions},
		{StageRuntimeLocated, b.locateRuntime},
		{StagePolicyKnown, b.resolvePolicy},
		{StageEnabledChecked, b.checkEnabled},
		{StageLibraryOpened, b.openLibrary},
		{StageEntrySymbolFound, b.findEntrySymbol},
		{StageNativeSetupDone, b.nativeSetup},
		{StageOptionListBuilt, b.buildOptionList},
		{StageRuntimeStarted, b.startRuntime},
		{StageSignalHandlersInstalled, b.installSignalHandlers},
		{StageBootstrapLoaded, b.loadBootstrap},
		{StageFound, b.markFound},
		{StageInstallGroundworkDone, b.installGroundwork},
		{StageComplete, func(context.Context) error { return nil }},
	}

	for _, st := range steps {
		if b.stage >= st.next {
			continue
		}
		if err := st.run(ctx); err != nil {
			return b.stageFailed(ctx, st.next, tolerant, err)
		}
		b.stage = st.next
		b.log(ctx, LogLevelDebug, "initialization stage reached", map[string]interface{}{"stage": st.next.String()})
	}
	return nil
}

func (b *Backend) stageFailed(ctx context.Context, failed Stage, tolerant bool, err error) error {
	data := map[string]interface{}{"stage": failed.String(), "err": err.Error()}
	if tolerant {
		b.log(ctx, LogLevelWarn, "guest runtime initialization deferred", data)
		return err
	}
	b.log(ctx, LogLevelError, "guest runtime initialization failed", data)
	if _, ok := elog.AsServerError(err); ok {
		return err
	}
	return &elog.ServerError{Data: elog.Newf(elog.ConfigFileErrorCode,
		"guest runtime initialization failed at stage %q: %v", failed, err)}
}

func (b *Backend) registerOptions(context.Context) error {
	return b.config.Validate()
}

func (b *Backend) locateRuntime(context.Context) error {
	if b.runtime == nil {
		return &elog.ServerError{Data: elog.New(elog.ConfigFileErrorCode,
			"no guest runtime configured; set runtime_path or supply a runtime")}
	}
	return nil
}

func (b *Backend) resolvePolicy(context.Context) error {
	policy, err := gate.ParsePolicy(b.config.ThreadPolicy)
	if err != nil {
		return err
	}
	b.gate.SetThreadPolicy(policy)
	return nil
}

func (b *Backend) checkEnabled(context.Context) error {
	if !b.config.Enabled {
		return &elog.ServerError{Data: elog.New(elog.ConfigFileErrorCode,
			"guest runtime is disabled; set enabled=on to proceed")}
	}
	return nil
}

func (b *Backend) openLibrary(context.Context) error {
	// The in-process runtime needs no shared library. A path, when given,
	// must at least exist.
	if b.config.RuntimePath == "" {
		return nil
	}
	if _, err := os.Stat(b.config.RuntimePath); err != nil {
		return &elog.ServerError{Data: elog.Newf(elog.ConfigFileErrorCode,
			"cannot open guest runtime library %q: %v", b.config.RuntimePath, err)}
	}
	return nil
}

func (b *Backend) findEntrySymbol(context.Context) error {
	if b.config.MinRuntimeVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(b.config.MinRuntimeVersion)
	if err != nil {
		return &elog.ServerError{Data: elog.Newf(elog.ConfigFileErrorCode,
			"invalid min_runtime_version %q: %v", b.config.MinRuntimeVersion, err)}
	}
	version, err := semver.NewVersion(b.runtime.Version())
	if err != nil {
		return &elog.ServerError{Data: elog.Newf(elog.ConfigFileErrorCode,
			"guest runtime reports unparsable version %q: %v", b.runtime.Version(), err)}
	}
	if !constraint.Check(version) {
		return &elog.ServerError{Data: elog.Newf(elog.FeatureNotSupportedCode,
			"guest runtime version %s does not satisfy %q", version, b.config.MinRuntimeVersion)}
	}
	return nil
}

func (b *Backend) nativeSetup(context.Context) error {
	b.ds.AttachOwnerTree(b.topOwner)
	return nil
}

func (b *Backend) buildOptionList(context.Context) error {
	// Once the option list is final the runtime will start; register the
	// teardown hook now so the runtime is destroyed at process exit no matter
	// how initialization proceeds from here.
	if !b.exitHookRegistered {
		b.exitHookRegistered = true
		RegisterExitHook(func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
			defer cancel()
			_ = b.Shutdown(ctx)
		})
	}
	return nil
}

func (b *Backend) startRuntime(ctx context.Context) error {
	if !runtimeEverStarted.CompareAndSwap(false, true) && !b.startedThisProcess {
		return &elog.ServerError{Data: elog.New(elog.FeatureNotSupportedCode,
			"cannot create a second guest runtime in this process; end the session and reconnect")}
	}
	b.startedThisProcess = true
	b.log(ctx, LogLevelInfo, "guest runtime started", map[string]interface{}{
		"runtime": b.runtime.Name(),
		"version": b.runtime.Version(),
	})
	return nil
}

func (b *Backend) installSignalHandlers(context.Context) error {
	// Signals only set flags. They are never serviced inside the handler:
	// the signal can arrive while the guest runtime is in an arbitrary
	// internal state, and only the normal interrupt check at a native safe
	// point can act safely.
	b.signalCh = make(chan os.Signal, 1)
	signal.Notify(b.signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range b.signalCh {
			switch sig {
			case syscall.SIGINT:
				b.cancelPending.Store(true)
			case syscall.SIGTERM:
				b.terminatePending.Store(true)
			}
		}
	}()
	return nil
}

func (b *Backend) loadBootstrap(ctx context.Context) error {
	frame := b.stack.PushBoot()
	wasException := false
	defer func() { b.stack.PopBoot(frame, wasException) }()

	err := b.gate.CallGuestLocked(func() error {
		_, err := b.runtime.Resolve("org.postgresql.pljava.internal.Backend", "init", "()V")
		if err != nil {
			// A runtime without the bootstrap entry point still works for
			// directly registered functions.
			return nil
		}
		return nil
	})
	if err != nil {
		wasException = true
		return err
	}
	return nil
}

func (b *Backend) markFound(context.Context) error { return nil }

func (b *Backend) installGroundwork(context.Context) error {
	if !b.InstallingExtension {
		return nil
	}
	// Schema installation itself is out of scope; the stage exists so a
	// mid-extension-creation failure is observable as such.
	return nil
}

// SetCancelPending records a statement-cancel request. Safe from any
// goroutine or signal context; acted on at the next native safe point.
func (b *Backend) SetCancelPending() { b.cancelPending.Store(true) }

// SetTerminatePending records a session-termination request.
func (b *Backend) SetTerminatePending() { b.terminatePending.Store(true) }

// CheckForInterrupts observes pending cancel or terminate flags. It is called
// at the native safe points: entry to a call handler and re-entry from guest
// code.
func (b *Backend) CheckForInterrupts() error {
	if b.terminatePending.Load() {
		return &elog.ServerError{Data: elog.New(elog.AdminShutdownCode,
			"terminating connection due to administrator command")}
	}
	if b.cancelPending.CompareAndSwap(true, false) {
		return &elog.ServerError{Data: elog.New(elog.QueryCanceledCode,
			"canceling statement due to user request")}
	}
	return nil
}

// Shutdown tears the runtime down. The wait is bounded: when the runtime has
// not stopped by the deadline the wait is abandoned rather than hanging the
// backend's exit, and a warning reports the abandonment.
func (b *Backend) Shutdown(ctx context.Context) error {
	var err error
	b.shutdownOnce.Do(func() {
		if b.signalCh != nil {
			signal.Stop(b.signalCh)
			close(b.signalCh)
		}

		frame := b.stack.PushBoot()
		defer b.stack.PopBoot(frame, false)

		b.ds.CleanEnqueuedInstances()

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.config.ShutdownTimeout)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() { done <- b.runtime.Shutdown(ctx) }()

		select {
		case err = <-done:
		case <-ctx.Done():
			b.log(ctx, LogLevelWarn, "guest runtime did not stop in time; abandoning wait",
				map[string]interface{}{"timeout": b.config.ShutdownTimeout.String()})
			err = ctx.Err()
		}

		b.stack.Close()
	})
	return err
}

// ClearFunctionCache invalidates every cached descriptor except those
// currently on the invocation stack, which move into the fresh cache instead
// of being freed out from under an active call.
func (b *Backend) ClearFunctionCache() {
	b.fns.InvalidateAll(func(oid uint32) bool {
		for f := b.stack.Current(); f != nil; f = f.Previous() {
			if f.Routine != nil && f.Routine.OID() == oid {
				return true
			}
		}
		return false
	})
	b.fns.RemoveInvalidated()
}

// CallHandler routes one PostgreSQL function call into the guest runtime:
// push a frame, resolve the cached descriptor, coerce arguments, cross the
// gate, coerce the result where it outlives the per-call context, pop.
func (b *Backend) CallHandler(ctx context.Context, oid uint32, args []coerce.Datum) (result coerce.Datum, err error) {
	if b.stage < StageRuntimeStarted {
		return coerce.NullDatum, &elog.ServerError{Data: elog.Newf(elog.ConfigFileErrorCode,
			"guest runtime is not started (initialization stopped at stage %q)", b.stage)}
	}
	if err := b.CheckForInterrupts(); err != nil {
		return coerce.NullDatum, err
	}

	frame, err := b.stack.Push()
	if err != nil {
		return coerce.NullDatum, err
	}
	wasException := true
	defer func() {
		b.stack.Pop(frame, wasException)
	}()

	fn, err := b.fns.GetOrResolve(oid)
	if err != nil {
		return coerce.NullDatum, err
	}
	frame.Routine = fn
	frame.SetLoader(fn.Loader())

	if len(args) != len(fn.Params) {
		return coerce.NullDatum, &elog.ServerError{Data: elog.Newf(elog.InternalErrorCode,
			"function %s expects %d arguments, got %d", fn.Name(), len(fn.Params), len(args))}
	}

	guestArgs := make([]any, len(args))
	for i, datum := range args {
		v, err := fn.Params[i].Type.CoerceDatum(b.types, datum)
		if err != nil {
			return coerce.NullDatum, &elog.ServerError{Data: elog.Newf(elog.InternalErrorCode,
				"cannot coerce argument %d of %s: %v", i+1, fn.Name(), err)}
		}
		guestArgs[i] = v
	}

	var guestResult any
	err = b.gate.CallGuest(func() error {
		var callErr error
		guestResult, callErr = b.runtime.Call(fn.Method, guestArgs)
		return callErr
	})
	if err != nil {
		return coerce.NullDatum, err
	}

	// Re-entered native code: a cancel that arrived mid-call is observed
	// here, not inside the signal handler.
	if err := b.CheckForInterrupts(); err != nil {
		return coerce.NullDatum, err
	}

	if fn.Return == nil {
		wasException = false
		return coerce.NullDatum, nil
	}

	// The result must outlive the per-call context about to be reset.
	prev := b.stack.SwitchToUpperContext()
	result, err = fn.Return.Type.CoerceObject(b.types, guestResult)
	b.mem.SetCurrent(prev)
	if err != nil {
		return coerce.NullDatum, &elog.ServerError{Data: elog.Newf(elog.InternalErrorCode,
			"cannot coerce result of %s: %v", fn.Name(), err)}
	}

	wasException = false
	return result, nil
}

// log writes msg through the configured logger when level is enabled.
func (b *Backend) log(ctx context.Context, level LogLevel, msg string, data map[string]interface{}) {
	if !b.shouldLog(level) {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	b.config.Logger.Log(ctx, level, msg, data)
}

func (b *Backend) shouldLog(level LogLevel) bool {
	return b.config.Logger != nil && b.config.LogLevel >= level
}

// coreLog adapts the backend's logger for the core packages, which report in
// elog severities.
func (b *Backend) coreLog(sev elog.Severity, msg string, data map[string]any) {
	b.log(context.Background(), logLevelForSeverity(sev), msg, data)
}

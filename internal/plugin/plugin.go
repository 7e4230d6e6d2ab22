// Package plugin implements the Plugin Registry (spec §4.1): a
// process-wide table from plugin name to callable, populated by loading
// native Go plugin libraries.
//
// Go has no equivalent of Rust's libloading + extern "C" ABI; the
// idiomatic Go mechanism for loading process-external compiled code at
// runtime is the standard library's plugin package, used directly below.
// Go's plugin.Lookup requires an exported symbol, so the ABI symbol is
// named PluginDeclaration rather than spec §6's literal plugin_declaration
// — same contract, renamed to satisfy Go's export rule (see DESIGN.md).
package plugin

import (
	"encoding/json"
	stdplugin "plugin"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// CoreVersion is compared against a plugin's Declaration.CoreVersion at
// load time. Plugins built against a different core version are rejected.
const CoreVersion = "1.0.0"

// lowMemoryThresholdPercent is the available-memory floor below which
// loading another native library logs a warning instead of failing
// outright — a loaded library's pages are never released before shutdown,
// so operators running many plugins benefit from an early signal.
const lowMemoryThresholdPercent = 10.0

// Function is implemented by a single callable a plugin registers.
type Function interface {
	// Call invokes the function with a JSON argument and returns a string
	// the engine will attempt to re-parse as JSON (see spec §3).
	Call(args json.RawMessage) (string, error)
}

// Registrar is passed to a plugin's Register hook so it can publish the
// functions it implements.
type Registrar interface {
	RegisterFunction(name string, fn Function)
}

// Declaration is the value a native plugin library must export under the
// symbol name "PluginDeclaration".
type Declaration struct {
	CoreVersion     string
	CompilerVersion string
	Register        func(Registrar)
}

// ErrorKind classifies a plugin invocation failure per spec §4.1's
// taxonomy (InvalidArgumentCount, Other).
type ErrorKind int

const (
	ErrOther ErrorKind = iota
	ErrInvalidArgumentCount
	ErrNotFound
)

// InvocationError is returned by Registry.Call.
type InvocationError struct {
	Kind     ErrorKind
	Message  string
	Expected int
	Found    int
}

func (e *InvocationError) Error() string {
	switch e.Kind {
	case ErrInvalidArgumentCount:
		return "plugin: invalid argument count: expected " + itoa(e.Expected) + ", found " + itoa(e.Found)
	case ErrNotFound:
		return "plugin: function not found: " + e.Message
	default:
		return "plugin: " + e.Message
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// VersionMismatchError is returned by Load when a plugin's declared core
// or compiler version does not match the host's.
type VersionMismatchError struct {
	Path                   string
	WantCore, GotCore      string
	WantCompiler, GotCompiler string
}

func (e *VersionMismatchError) Error() string {
	return "plugin: " + e.Path + ": version mismatch (core " + e.GotCore + " want " + e.WantCore +
		", compiler " + e.GotCompiler + " want " + e.WantCompiler + ")"
}

// Registry is the process-wide plugin table. The zero value is not usable;
// construct with NewRegistry. Loading a library requires exclusive access;
// Has/Call may run concurrently with each other.
type Registry struct {
	mu         sync.RWMutex
	functions  map[string]Function
	libraries  []*stdplugin.Plugin // retained for process lifetime: function lifetime <= library lifetime
	loadedPath map[string]bool
	logger     *zap.Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		functions:  make(map[string]Function),
		loadedPath: make(map[string]bool),
		logger:     logger,
	}
}

// LoadOnce calls Load unless path has already been loaded successfully by
// this registry, so the same plugin referenced by several rules is opened
// exactly once.
func (r *Registry) LoadOnce(path string) error {
	r.mu.RLock()
	already := r.loadedPath[path]
	r.mu.RUnlock()
	if already {
		return nil
	}
	return r.Load(path)
}

type registrar struct {
	functions map[string]Function
}

func (r *registrar) RegisterFunction(name string, fn Function) {
	r.functions[name] = fn
}

// Load opens a native plugin library at path, validates its declared
// versions, and merges its registered functions into the table. Duplicate
// names overwrite the previous registration.
func (r *Registry) Load(path string) error {
	r.warnIfMemoryLow(path)

	lib, err := stdplugin.Open(path)
	if err != nil {
		return &InvocationError{Kind: ErrOther, Message: "open " + path + ": " + err.Error()}
	}

	sym, err := lib.Lookup("PluginDeclaration")
	if err != nil {
		return &InvocationError{Kind: ErrOther, Message: path + ": missing PluginDeclaration symbol: " + err.Error()}
	}

	decl, ok := sym.(*Declaration)
	if !ok {
		return &InvocationError{Kind: ErrOther, Message: path + ": PluginDeclaration has the wrong type"}
	}

	if decl.CoreVersion != CoreVersion || decl.CompilerVersion != runtime.Version() {
		return &VersionMismatchError{
			Path:          path,
			WantCore:      CoreVersion,
			GotCore:       decl.CoreVersion,
			WantCompiler:  runtime.Version(),
			GotCompiler:   decl.CompilerVersion,
		}
	}

	reg := &registrar{functions: make(map[string]Function)}
	decl.Register(reg)

	r.mu.Lock()
	for name, fn := range reg.functions {
		r.functions[name] = fn
	}
	r.libraries = append(r.libraries, lib)
	r.loadedPath[path] = true
	r.mu.Unlock()

	r.logger.Info("loaded plugin library",
		zap.String("path", path),
		zap.Int("functions", len(reg.functions)))

	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// Call invokes the named function with args.
func (r *Registry) Call(name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	fn, ok := r.functions[name]
	r.mu.RUnlock()

	if !ok {
		return "", &InvocationError{Kind: ErrNotFound, Message: name}
	}
	return fn.Call(args)
}

// warnIfMemoryLow logs a warning when available system memory is below
// lowMemoryThresholdPercent before loading another native library into the
// process — loaded libraries are never unmapped before shutdown.
func (r *Registry) warnIfMemoryLow(path string) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	availablePercent := 100 - vm.UsedPercent
	if availablePercent < lowMemoryThresholdPercent {
		r.logger.Warn("loading plugin library under memory pressure",
			zap.String("path", path),
			zap.Float64("available_percent", availablePercent))
	}
}

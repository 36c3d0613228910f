package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"testimony/pkg/testimony"
)

// Kernel orchestrates modules, drivers, the event bus, and the command registry.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	commands    map[string]commandRegistration
	drivers     map[string]testimony.Driver
	driverOrder []string

	runMu   sync.Mutex
	running bool
}

type commandRegistration struct {
	moduleName string
	spec       testimony.CommandSpec
}

type moduleRecord struct {
	name          string
	module        testimony.Module
	subscriptions []testimony.Subscription
	dispatchWG    sync.WaitGroup
}

// New creates a kernel and registers the command catalog service.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	k := &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(),
		services: NewServiceRegistry(),
		modules:  make(map[string]*moduleRecord),
		commands: make(map[string]commandRegistration),
		drivers:  make(map[string]testimony.Driver),
	}
	if err := k.services.Register(testimony.ServiceCommandCatalog, &kernelCommandCatalog{kernel: k}); err != nil {
		cfg.logger.Error("register command catalog service", slog.String("error", err.Error()))
	}

	return k
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() testimony.ServiceRegistry {
	return k.services
}

// EventBus exposes the kernel event bus.
func (k *Kernel) EventBus() testimony.EventBus {
	return k.bus
}

// RegisterService registers one shared service singleton.
func (k *Kernel) RegisterService(key testimony.ServiceKey, service any) error {
	return k.services.Register(key, service)
}

// RegisterModule validates, wires, and subscribes one module.
func (k *Kernel) RegisterModule(ctx context.Context, module testimony.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	spec := module.Spec()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{name: name, module: module}

	k.mu.Lock()
	if _, exists := k.modules[name]; exists {
		k.mu.Unlock()

		return fmt.Errorf("register module %s: %w", name, testimony.ErrModuleAlreadyRegistered)
	}
	k.modules[name] = record
	k.moduleOrder = append(k.moduleOrder, name)
	k.mu.Unlock()

	if err := k.registerModuleCommands(name, spec.Commands); err != nil {
		k.rollbackModuleRegistration(name, record)

		return fmt.Errorf("register module %s: %w", name, err)
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	runtime := &moduleRuntime{
		logger:   k.cfg.logger.With(slog.String("module", name)),
		services: k.services,
	}
	if err := runSafely("module "+name+" OnRegister", func() error {
		return module.OnRegister(hookCtx, runtime)
	}); err != nil {
		k.rollbackModuleRegistration(name, record)

		return fmt.Errorf("register module %s: %w", name, err)
	}

	if err := k.bindHandlers(name, record, spec.Handlers); err != nil {
		k.rollbackModuleRegistration(name, record)

		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

// RegisterDriver registers one platform driver.
func (k *Kernel) RegisterDriver(driver testimony.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.drivers[name]; exists {
		return fmt.Errorf("register driver %s: %w", name, testimony.ErrDriverAlreadyRegistered)
	}
	k.drivers[name] = driver
	k.driverOrder = append(k.driverOrder, name)

	return nil
}

// Run starts modules, runs drivers, and blocks until cancellation or the first
// fatal driver error, then tears everything down in reverse order.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	if err := k.startModules(ctx); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	driverErr, waitDrivers := k.startDrivers(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-driverErr:
		runErr = err
	}

	runCancel()
	waitDrivers()

	shutdownErr := k.shutdownAll(ctx)

	if isContextCancellation(runErr) {
		runErr = nil
	}
	if runErr != nil || shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}

	return nil
}

func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// startModules invokes OnStart in registration order with per-module timeouts.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.orderedModules() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// startDrivers runs every registered driver concurrently against the command
// sink. It returns the first fatal driver error and a bounded wait function.
func (k *Kernel) startDrivers(ctx context.Context) (<-chan error, func()) {
	errChannel := make(chan error, 1)
	done := make(chan struct{})
	driverWG := &sync.WaitGroup{}

	sink := &commandSink{kernel: k, logger: k.cfg.logger}

	k.mu.RLock()
	order := append([]string(nil), k.driverOrder...)
	drivers := make(map[string]testimony.Driver, len(k.drivers))
	for name, driver := range k.drivers {
		drivers[name] = driver
	}
	k.mu.RUnlock()

	for _, name := range order {
		driver := drivers[name]
		driverWG.Add(1)
		go func(driverName string, driver testimony.Driver) {
			defer driverWG.Done()
			err := runSafely("driver "+driverName+" Run", func() error {
				return driver.Run(ctx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errChannel <- fmt.Errorf("run driver %s: %w", driverName, err):
			default:
			}
		}(name, driver)
	}

	go func() {
		driverWG.Wait()
		close(done)
	}()

	// All drivers exiting cleanly also ends the run.
	go func() {
		<-done
		select {
		case errChannel <- context.Canceled:
		default:
		}
	}()

	wait := func() {
		select {
		case <-done:
		case <-time.After(k.cfg.shutdownTimeout):
		}
	}

	return errChannel, wait
}

// shutdownAll tears down modules and the bus in a bounded timeout window.
// WithoutCancel keeps cleanup running after parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error

	modules := k.orderedModules()
	for idx := len(modules) - 1; idx >= 0; idx-- {
		record := modules[idx]
		record.closeSubscriptions()

		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	if err := k.bus.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown bus: %w", err))
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// bindHandlers subscribes each declared handler and starts its dispatch loop.
func (k *Kernel) bindHandlers(moduleName string, record *moduleRecord, handlers []testimony.ModuleHandler) error {
	for _, declared := range handlers {
		spec := testimony.NewDefaultSubscriptionSpec(
			moduleName+"/"+declared.Capability.Name,
			declared.Capability.Interest.Kinds...,
		)
		sub, err := k.bus.Subscribe(spec)
		if err != nil {
			return fmt.Errorf("bind handler %s: %w", declared.Capability.Name, err)
		}
		record.subscriptions = append(record.subscriptions, sub)

		record.dispatchWG.Add(1)
		go k.dispatchLoop(record, sub, declared)
	}

	return nil
}

// dispatchLoop drains one subscription until its channel closes, applying the
// capability interest filter and running the handler with panic containment.
func (k *Kernel) dispatchLoop(record *moduleRecord, sub testimony.Subscription, declared testimony.ModuleHandler) {
	defer record.dispatchWG.Done()

	scope := "subscription " + sub.Name()
	for event := range sub.Events() {
		if !declared.Capability.Interest.Matches(event) {
			continue
		}

		handlerCtx, cancel := context.WithTimeout(context.Background(), k.cfg.handlerTimeout)
		err := runSafely(scope, func() error {
			return declared.Handle(handlerCtx, event)
		})
		cancel()
		if err != nil {
			k.cfg.logger.Error("handler failed",
				slog.String("subscription", sub.Name()),
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// registerModuleCommands claims command names for one module.
func (k *Kernel) registerModuleCommands(moduleName string, commands []testimony.CommandSpec) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	claimed := make([]string, 0, len(commands))
	for _, spec := range commands {
		key := strings.ToLower(spec.Name)
		if owner, exists := k.commands[key]; exists {
			for _, name := range claimed {
				delete(k.commands, name)
			}

			return fmt.Errorf("command %s already registered by module %s", spec.Name, owner.moduleName)
		}
		k.commands[key] = commandRegistration{moduleName: moduleName, spec: spec}
		claimed = append(claimed, key)
	}

	return nil
}

// lookupCommand resolves one registered command by normalized name.
func (k *Kernel) lookupCommand(name string) (commandRegistration, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	registration, exists := k.commands[strings.ToLower(name)]

	return registration, exists
}

// rollbackModuleRegistration removes a partially registered module.
func (k *Kernel) rollbackModuleRegistration(name string, record *moduleRecord) {
	record.closeSubscriptions()

	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.modules, name)
	k.moduleOrder = removeOrderedName(k.moduleOrder, name)
	for key, registration := range k.commands {
		if registration.moduleName == name {
			delete(k.commands, key)
		}
	}
}

// orderedModules snapshots module records in registration order.
func (k *Kernel) orderedModules() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	records := make([]*moduleRecord, 0, len(k.moduleOrder))
	for _, name := range k.moduleOrder {
		if record, exists := k.modules[name]; exists {
			records = append(records, record)
		}
	}

	return records
}

// closeSubscriptions closes the module's subscriptions and waits for its
// dispatch loops to drain.
func (r *moduleRecord) closeSubscriptions() {
	for _, sub := range r.subscriptions {
		sub.Close()
	}
	r.subscriptions = nil
	r.dispatchWG.Wait()
}

// kernelCommandCatalog exposes the registered command surface as a service.
type kernelCommandCatalog struct {
	kernel *Kernel
}

// Entries returns all registered commands sorted by command name.
func (c *kernelCommandCatalog) Entries() []testimony.CommandCatalogEntry {
	c.kernel.mu.RLock()
	defer c.kernel.mu.RUnlock()

	entries := make([]testimony.CommandCatalogEntry, 0, len(c.kernel.commands))
	for _, registration := range c.kernel.commands {
		entries = append(entries, testimony.CommandCatalogEntry{
			ModuleName: registration.moduleName,
			Spec:       registration.spec,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Spec.Name < entries[j].Spec.Name
	})

	return entries
}

// Lookup returns the entry for one command name.
func (c *kernelCommandCatalog) Lookup(name string) (testimony.CommandCatalogEntry, bool) {
	registration, exists := c.kernel.lookupCommand(name)
	if !exists {
		return testimony.CommandCatalogEntry{}, false
	}

	return testimony.CommandCatalogEntry{
		ModuleName: registration.moduleName,
		Spec:       registration.spec,
	}, true
}

func removeOrderedName(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

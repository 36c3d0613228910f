package testimony

import "fmt"

// ServiceKey identifies one shared service in the registry.
type ServiceKey string

const (
	// ServiceLogger resolves the shared *slog.Logger.
	ServiceLogger ServiceKey = "testimony.logger"
	// ServiceOutboundDispatcher resolves the platform OutboundDispatcher.
	ServiceOutboundDispatcher ServiceKey = "testimony.outbound_dispatcher"
	// ServiceStatementStore resolves the StatementStore.
	ServiceStatementStore ServiceKey = "testimony.statement_store"
	// ServiceReminderStore resolves the ReminderStore.
	ServiceReminderStore ServiceKey = "testimony.reminder_store"
	// ServiceUpdootStore resolves the UpdootStore.
	ServiceUpdootStore ServiceKey = "testimony.updoot_store"
	// ServiceCommandCatalog resolves the read-only command catalog.
	ServiceCommandCatalog ServiceKey = "testimony.command_catalog"
)

// ServiceRegistry shares long-lived dependencies between kernel, driver, and modules.
type ServiceRegistry interface {
	// Register stores one service instance under key.
	Register(key ServiceKey, service any) error
	// Resolve returns the service registered under key.
	Resolve(key ServiceKey) (any, error)
}

// ResolveAs resolves key and asserts the concrete or interface type T.
func ResolveAs[T any](registry ServiceRegistry, key ServiceKey) (T, error) {
	var zero T

	raw, err := registry.Resolve(key)
	if err != nil {
		return zero, err
	}

	service, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: service %s has type %T", ErrServiceNotFound, key, raw)
	}

	return service, nil
}

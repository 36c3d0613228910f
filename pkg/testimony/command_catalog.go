package testimony

// CommandCatalogEntry is one registered command with its owning module.
type CommandCatalogEntry struct {
	// ModuleName is the module that registered the command.
	ModuleName string
	// Spec is the registered command specification.
	Spec CommandSpec
}

// CommandCatalog exposes the registered command surface, sorted by command name.
//
// The kernel registers an implementation under ServiceCommandCatalog so modules
// such as help can render it without reaching into kernel internals.
type CommandCatalog interface {
	// Entries returns all registered commands sorted by command name.
	Entries() []CommandCatalogEntry
	// Lookup returns the entry for one command name.
	Lookup(name string) (CommandCatalogEntry, bool)
}

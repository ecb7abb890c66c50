// Package host implements the host-loader capability the engine is injected with.
// A Loadable turns an opaque reference (a module entry or a cache specifier) into
// an instantiated value. Two variants ship with the engine: FactoryTable for
// statically known factory functions, and FileLoader for paths resolved under a
// base directory. Mux dispatches "scheme:rest" references between them so the
// engine itself never performs dynamic code loading.
package host

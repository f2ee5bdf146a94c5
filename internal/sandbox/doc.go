// Package sandbox instantiates plugin artifacts as locked-down Lua runtimes.
//
// A plugin artifact is a Lua chunk that defines a global handle(event)
// function. The state is opened without io, os, debug, or any module loading
// from disk; the only way a plugin reaches the outside world is the preloaded
// "host" and "log" modules, which route through a HostBridge bound per
// invocation.
package sandbox

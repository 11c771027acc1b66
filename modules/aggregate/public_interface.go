package aggregate

import "github.com/chebyrash/promise"

// Plugin is one long-lived part of the daemon.
type Plugin interface {
	// Called in the order plugins were given to New. A failure aborts Run.
	Init() error
	// Must not block; the promise settles once the plugin is up.
	Start() *promise.Promise[any]
	// Called in reverse order, even for plugins whose Start failed.
	Stop() error
}

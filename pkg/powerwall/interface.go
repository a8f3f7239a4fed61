// Package powerwall provides authenticated, cached access to a Powerwall
// energy gateway through one of two backends, the local gateway HTTPS API or
// the owner cloud API. Callers see the same path-keyed surface either way.
package powerwall

import (
	"context"
	"encoding/json"
)

// Backend is the single upstream data source. Exactly one backend is chosen
// at construction from the configuration and never changes afterwards.
type Backend interface {
	// Authenticate establishes a usable session, reusing persisted
	// credentials when possible. It is called once at startup; backends also
	// re-authenticate internally when a session expires mid-flight.
	Authenticate(ctx context.Context) error

	// Fetch retrieves the raw JSON payload for one gateway API path. The
	// returned bytes are served to clients verbatim, so backends must not
	// re-encode what the upstream sent.
	Fetch(ctx context.Context, api string) (json.RawMessage, error)
}

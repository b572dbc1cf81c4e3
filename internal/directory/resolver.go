package directory

import (
	"context"
	"encoding/json"
	"fmt"
)

// Resolver is the read side of tenant configuration used by the routing core.
type Resolver interface {
	// LookupDID resolves the dialed number to its owning tenant and routing configuration.
	LookupDID(ctx context.Context, number string) (*DID, error)
	// Resolve loads the destination a Ref points at. The returned variant always matches ref.Type.
	Resolve(ctx context.Context, tenantID string, ref Ref) (Destination, error)
	// ExtensionByNumber finds an extension by its dialable number within the tenant.
	ExtensionByNumber(ctx context.Context, tenantID, number string) (*Extension, error)
}

// envelope is the serialized form of a Destination (cache entries, SQL rows).
type envelope struct {
	Type DestinationType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeDestination(d Destination) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: d.Type(), Data: raw})
}

func decodeDestination(b []byte) (Destination, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("directory: decode destination: %w", err)
	}
	d, err := newDestination(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, d); err != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", env.Type, err)
		}
	}
	return d, nil
}

func checkType(ref Ref, d Destination) error {
	if d.Type() != ref.Type {
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, ref.Type, d.Type())
	}
	return nil
}

package relay

import (
	"encoding/json"
	"fmt"
)

// envelope is the activity envelope a relay emits for each federated event.
// The object field may be a bare URI or an embedded object.
type envelope struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string
}

func parseEnvelope(data []byte) (*envelope, error) {
	var raw struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}

	env := &envelope{ID: raw.ID, Type: raw.Type, Actor: raw.Actor}

	if len(raw.Object) > 0 {
		// A bare string is the object URI; otherwise take the embedded id.
		var uri string
		if err := json.Unmarshal(raw.Object, &uri); err == nil {
			env.Object = uri
		} else {
			var embedded struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw.Object, &embedded); err != nil {
				return nil, fmt.Errorf("unmarshal envelope object: %w", err)
			}
			env.Object = embedded.ID
		}
	}

	return env, nil
}

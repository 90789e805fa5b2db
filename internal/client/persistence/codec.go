package persistence

import (
	"encoding/json"

	"ecs-sync-core/internal/patch"
)

// JSONCodec is the default Codec, storing each component value as a
// JSON object.
type JSONCodec struct{}

func (JSONCodec) Marshal(v patch.ComponentValue) ([]byte, error) {
	return json.Marshal(map[string]interface{}(v))
}

func (JSONCodec) Unmarshal(data []byte) (patch.ComponentValue, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return patch.ComponentValue(out), nil
}

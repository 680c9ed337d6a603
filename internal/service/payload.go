package service

import "encoding/json"

// toPayloadMap renders a typed payload struct into the open map the ledger
// event schema carries.
func toPayloadMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

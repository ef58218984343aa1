package ledger

import "encoding/json"

// Dynamic fields are stored as JSON text. Legacy rows may carry
// double-encoded strings (a JSON string whose contents are JSON); decoding
// tolerates that and falls back to the empty value.

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func decodeStringList(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &list); err == nil {
			return list
		}
	}
	return nil
}

func decodeCountMap(raw string) map[string]int {
	if raw == "" || raw == "null" {
		return nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &m); err == nil {
			return m
		}
	}
	return nil
}

func decodeRunMetadata(raw string) RunMetadata {
	if raw == "" || raw == "null" {
		return RunMetadata{}
	}
	var meta RunMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err == nil {
		return meta
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &meta); err == nil {
			return meta
		}
	}
	return RunMetadata{}
}

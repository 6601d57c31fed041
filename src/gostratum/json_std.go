//go:build nojsonsimd

package gostratum

import stdjson "encoding/json"

func marshalJSON(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

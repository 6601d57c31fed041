//go:build !nojsonsimd

package gostratum

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigDefault

func marshalJSON(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}

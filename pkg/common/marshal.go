package common

import (
	"encoding/json"

	"github.com/golang/snappy"
)

// MarshalCompressed encodes v as JSON and compresses it with snappy.
func MarshalCompressed(v interface{}) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf), nil
}

func UnmarshalCompressed(buf []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

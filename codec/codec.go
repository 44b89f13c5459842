// Package codec is the serialization boundary for every value that
// crosses the wire or a channel as raw bytes. The encoding is JSON; any
// encoding that round-trips the protocol values faithfully would do, so
// callers never assume anything about the byte layout.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v into its byte representation.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

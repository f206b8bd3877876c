// SPDX-License-Identifier: MIT

package clustermap

import "github.com/shamaton/msgpack"

// EncodeOSDMap serializes a full OSDMap for the wire or for durable
// storage. msgpack is used (rather than hand-writing a flatbuffers schema,
// which needs codegen tooling) because its reflection-based encoder needs
// no schema compilation step and round-trips plain Go structs directly.
func EncodeOSDMap(m *OSDMap) ([]byte, error) {
	return msgpack.Encode(m)
}

// DecodeOSDMap is the inverse of EncodeOSDMap.
func DecodeOSDMap(data []byte) (*OSDMap, error) {
	var m OSDMap
	if err := msgpack.Decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeOSDMapIncr/DecodeOSDMapIncr do the same for incremental updates,
// which are the form actually exchanged over the wire in steady state: a
// client or OSD behind by a handful of epochs fetches the chain of
// incrementals rather than a new full map each time.
func EncodeOSDMapIncr(incr *OSDMapIncr) ([]byte, error) {
	return msgpack.Encode(incr)
}

func DecodeOSDMapIncr(data []byte) (*OSDMapIncr, error) {
	var incr OSDMapIncr
	if err := msgpack.Decode(data, &incr); err != nil {
		return nil, err
	}
	return &incr, nil
}

// EncodeMonMap/DecodeMonMap, EncodeMDSMap/DecodeMDSMap mirror the above for
// the other two map kinds.
func EncodeMonMap(m *MonMap) ([]byte, error)  { return msgpack.Encode(m) }
func EncodeMDSMap(m *MDSMap) ([]byte, error)  { return msgpack.Encode(m) }

func DecodeMonMap(data []byte) (*MonMap, error) {
	var m MonMap
	if err := msgpack.Decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func DecodeMDSMap(data []byte) (*MDSMap, error) {
	var m MDSMap
	if err := msgpack.Decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

package wire

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ishakdeveloper/new-stack-sub000/errors"
)

// maxFrameSize bounds decompressed frame size to protect against
// decompression bombs from misbehaving peers.
const maxFrameSize = 1 << 20 // 1 MiB

// Codec serializes envelopes to compressed binary frames and back.
// Encoding always produces zlib-framed deflate; decoding falls back to raw
// (headerless) deflate because producers differ in how they initialize the
// compressor.
type Codec struct{}

// NewCodec returns a Codec
func NewCodec() Codec {
	return Codec{}
}

// Encode serializes an envelope to JSON and compresses it
func (c Codec) Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Encode", "marshal envelope")
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, errors.Wrap(err, "Codec", "Encode", "compress frame")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "Codec", "Encode", "flush compressor")
	}

	return buf.Bytes(), nil
}

// Decode decompresses and deserializes a binary frame. A decode failure is
// classified invalid; callers drop the frame and keep the session alive.
func (c Codec) Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty frame", errors.ErrDecodeFailed),
			"Codec", "Decode", "check frame")
	}

	data, err := inflate(frame)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"Codec", "Decode", "decompress frame")
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"Codec", "Decode", "unmarshal envelope")
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}

	return e, nil
}

// inflate tries zlib-framed deflate first, then raw deflate
func inflate(frame []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(frame))
	if err == nil {
		defer zr.Close()
		data, readErr := io.ReadAll(io.LimitReader(zr, maxFrameSize))
		if readErr == nil {
			return data, nil
		}
		err = readErr
	}

	// Fallback: raw deflate without the zlib header
	fr := flate.NewReader(bytes.NewReader(frame))
	defer fr.Close()
	data, rawErr := io.ReadAll(io.LimitReader(fr, maxFrameSize))
	if rawErr != nil {
		return nil, fmt.Errorf("zlib: %v, raw deflate: %v", err, rawErr)
	}

	return data, nil
}

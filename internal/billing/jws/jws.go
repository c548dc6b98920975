// Package jws decodes compact signed tokens (header.payload.signature).
//
// Decoding never checks the signature. Callers either verify the outer
// envelope first (see package verify) or decode nested tokens whose trust is
// inherited from an envelope that was already verified.
package jws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	berrors "github.com/rcourtman/subledger/internal/errors"
)

// Header is the protected header of a compact token.
type Header struct {
	Alg string   `json:"alg"`
	Typ string   `json:"typ,omitempty"`
	Kid string   `json:"kid,omitempty"`
	X5C []string `json:"x5c,omitempty"`
}

// Token is a decoded compact token.
type Token struct {
	Header    Header
	Payload   json.RawMessage
	Signature []byte
	// SigningInput is the exact "header.payload" string covered by the signature.
	SigningInput string
}

var segmentParser = jwt.NewParser()

// Decode splits and base64url-decodes a compact token. Any structural problem is
// reported as a malformed payload error.
func Decode(compact string) (*Token, error) {
	compact = strings.TrimSpace(compact)
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("token contains %d segments, want 3", len(parts)))
	}

	headerBytes, err := segmentParser.DecodeSegment(parts[0])
	if err != nil {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("header segment: %w", err))
	}
	payloadBytes, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("payload segment: %w", err))
	}
	signature, err := segmentParser.DecodeSegment(parts[2])
	if err != nil {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("signature segment: %w", err))
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("header json: %w", err))
	}
	trimmed := bytes.TrimSpace(payloadBytes)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("payload is not a json object"))
	}

	return &Token{
		Header:       header,
		Payload:      json.RawMessage(trimmed),
		Signature:    signature,
		SigningInput: parts[0] + "." + parts[1],
	}, nil
}

// DecodeInto decodes a compact token and unmarshals its payload into v.
func DecodeInto(compact string, v any) (*Token, error) {
	tok, err := Decode(compact)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tok.Payload, v); err != nil {
		return nil, berrors.Malformed("jws.decode", fmt.Errorf("payload json: %w", err))
	}
	return tok, nil
}

// DecodeOptional decodes a nested token when present. An empty string yields
// (false, nil).
func DecodeOptional(compact string, v any) (bool, error) {
	if strings.TrimSpace(compact) == "" {
		return false, nil
	}
	if _, err := DecodeInto(compact, v); err != nil {
		return false, err
	}
	return true, nil
}

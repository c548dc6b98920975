package jws

import (
	"encoding/base64"
	"errors"
	"testing"

	berrors "github.com/rcourtman/subledger/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func compact(header, payload string) string {
	return seg(header) + "." + seg(payload) + "." + seg("sig")
}

func TestDecodeSplitsHeaderPayloadAndSignature(t *testing.T) {
	raw := compact(`{"alg":"ES256","x5c":["AAA","BBB"]}`, `{"notificationType":"DID_RENEW"}`)

	tok, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "ES256", tok.Header.Alg)
	assert.Equal(t, []string{"AAA", "BBB"}, tok.Header.X5C)
	assert.JSONEq(t, `{"notificationType":"DID_RENEW"}`, string(tok.Payload))
	assert.Equal(t, []byte("sig"), tok.Signature)
	assert.Equal(t, seg(`{"alg":"ES256","x5c":["AAA","BBB"]}`)+"."+seg(`{"notificationType":"DID_RENEW"}`), tok.SigningInput)
}

func TestDecodeIntoStruct(t *testing.T) {
	var out struct {
		TransactionID string `json:"transactionId"`
		ExpiresDate   int64  `json:"expiresDate"`
	}
	_, err := DecodeInto(compact(`{"alg":"ES256"}`, `{"transactionId":"t-1","expiresDate":1700000000000}`), &out)
	require.NoError(t, err)
	assert.Equal(t, "t-1", out.TransactionID)
	assert.Equal(t, int64(1700000000000), out.ExpiresDate)
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	cases := map[string]string{
		"two segments":    seg(`{"alg":"ES256"}`) + "." + seg(`{}`),
		"four segments":   compact(`{"alg":"ES256"}`, `{}`) + ".x",
		"bad base64":      "***." + seg(`{}`) + "." + seg("sig"),
		"header not json": compact(`not-json`, `{}`),
		"payload array":   compact(`{"alg":"ES256"}`, `[1,2]`),
		"payload garbage": compact(`{"alg":"ES256"}`, `{"a":`),
		"empty":           "",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, berrors.ErrMalformedPayload), "got %v", err)
			assert.False(t, errors.Is(err, berrors.ErrNotAuthentic))
		})
	}
}

func TestDecodeIntoTypeMismatchIsMalformed(t *testing.T) {
	var out struct {
		ExpiresDate int64 `json:"expiresDate"`
	}
	_, err := DecodeInto(compact(`{"alg":"ES256"}`, `{"expiresDate":"soon"}`), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, berrors.ErrMalformedPayload))
}

func TestDecodeOptional(t *testing.T) {
	var out map[string]any
	ok, err := DecodeOptional("  ", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = DecodeOptional(compact(`{"alg":"ES256"}`, `{"k":"v"}`), &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", out["k"])

	_, err = DecodeOptional("a.b", &out)
	assert.True(t, errors.Is(err, berrors.ErrMalformedPayload))
}

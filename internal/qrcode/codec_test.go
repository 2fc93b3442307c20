package qrcode

import (
	"errors"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, key string) *Codec {
	t.Helper()
	c, err := NewCodec(Config{WebHost: "fidelya.app", SigningKey: key})
	require.NoError(t, err)
	return c
}

func TestRoundTripBothVariants(t *testing.T) {
	for _, key := range []string{"", "s3cret"} {
		c := newCodec(t, key)
		code, err := c.EncodeMerchantCode("m-cafe-central")
		require.NoError(t, err)

		for variant, payload := range map[Variant]string{VariantApp: code.AppURI, VariantWeb: code.WebURL} {
			got, err := c.Decode(payload)
			require.NoError(t, err, payload)
			assert.Equal(t, "m-cafe-central", got.MerchantID)
			assert.Equal(t, variant, got.Variant)
			if key != "" {
				assert.NotEmpty(t, got.Nonce)
			} else {
				assert.Empty(t, got.Nonce)
			}
		}
	}
}

func TestUnsignedEncodingIsDeterministic(t *testing.T) {
	c := newCodec(t, "")
	a, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)
	b, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "fidelya://validar?comercio=m-1", a.AppURI)
	assert.Equal(t, "https://fidelya.app/validar-beneficio?comercio=m-1", a.WebURL)
}

func TestSignedEncodingRotatesNonce(t *testing.T) {
	c := newCodec(t, "s3cret")
	a, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)
	b, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.AppURI, b.AppURI)

	da, err := c.Decode(a.AppURI)
	require.NoError(t, err)
	db, err := c.Decode(b.WebURL)
	require.NoError(t, err)
	assert.NotEqual(t, da.Nonce, db.Nonce)
}

func TestDecodeNormalizesCase(t *testing.T) {
	c := newCodec(t, "")
	got, err := c.Decode("  HTTPS://Fidelya.App/validar-beneficio/?comercio=m-1\n")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.MerchantID)

	got, err = c.Decode("FIDELYA://VALIDAR?comercio=m-1")
	require.NoError(t, err)
	assert.Equal(t, VariantApp, got.Variant)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := newCodec(t, "")
	payloads := []string{
		"",
		"garbage",
		"%zz",
		"fidelya://otra-cosa?comercio=m-1",
		"fidelya://validar/extra?comercio=m-1",
		"fidelya:validar?comercio=m-1",
		"http://fidelya.app/validar-beneficio?comercio=m-1",
		"https://evil.example/validar-beneficio?comercio=m-1",
		"https://fidelya.app/otra?comercio=m-1",
		"https://fidelya.app/validar-beneficio",
		"https://fidelya.app/validar-beneficio?comercio=",
		"https://fidelya.app/validar-beneficio?comercio=a&comercio=b",
		"https://fidelya.app/validar-beneficio?comercio=m%201",
		"fidelya://validar?comercio=" + strings.Repeat("x", 200),
		"fidelya://validar?comercio=m-1&sig=abc",
		"fidelya://validar?comercio=m-1;x",
	}
	for _, p := range payloads {
		_, err := c.Decode(p)
		assert.ErrorIs(t, err, ErrInvalidCode, "payload %q", p)
	}
}

func TestSignatureIsBoundToMerchant(t *testing.T) {
	c := newCodec(t, "s3cret")
	code, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)

	// graft m-1's signature onto m-2's code
	sig := code.AppURI[strings.Index(code.AppURI, "sig=")+len("sig="):]
	_, err = c.Decode("fidelya://validar?comercio=m-2&sig=" + sig)
	assert.ErrorIs(t, err, ErrInvalidCode)

	other := newCodec(t, "another-key")
	_, err = other.Decode(code.AppURI)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRequireSignature(t *testing.T) {
	_, err := NewCodec(Config{WebHost: "fidelya.app", RequireSignature: true})
	require.Error(t, err)

	c, err := NewCodec(Config{WebHost: "fidelya.app", SigningKey: "k", RequireSignature: true})
	require.NoError(t, err)
	_, err = c.Decode("fidelya://validar?comercio=m-1")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestExpiredNonce(t *testing.T) {
	c, err := NewCodec(Config{WebHost: "fidelya.app", SigningKey: "k", NonceTTL: time.Minute})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	code, err := c.EncodeMerchantCode("m-1")
	require.NoError(t, err)
	_, err = c.Decode(code.WebURL)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Decode(code.WebURL)
	require.ErrorIs(t, err, ErrInvalidCode)
	assert.True(t, strings.Contains(err.Error(), "expired"))
}

func TestRejectsNonHMACTokens(t *testing.T) {
	c := newCodec(t, "k")
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, nonceClaims{
		MerchantID:       "m-1",
		RegisteredClaims: jwt.RegisteredClaims{ID: "n"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = c.Decode("fidelya://validar?comercio=m-1&sig=" + token)
	assert.True(t, errors.Is(err, ErrInvalidCode))
}

func TestEncodeRejectsBadMerchantID(t *testing.T) {
	c := newCodec(t, "")
	_, err := c.EncodeMerchantCode("")
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = c.EncodeMerchantCode("con espacio")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

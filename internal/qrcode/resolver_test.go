package qrcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()
	dir := memory.New()
	require.NoError(t, dir.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: true}))
	require.NoError(t, dir.PutMerchant(ctx, models.Merchant{ID: "m-closed", Name: "Cerrado"}))

	r := NewResolver(newCodec(t, "s3cret"), dir, time.Minute)

	code, err := r.Encode(ctx, "m-1")
	require.NoError(t, err)
	got, err := r.Resolve(ctx, code.WebURL)
	require.NoError(t, err)
	assert.Equal(t, "Café Central", got.Merchant.Name)
	assert.Equal(t, VariantWeb, got.Code.Variant)

	_, err = r.Resolve(ctx, "fidelya://validar?comercio=m-gone")
	assert.ErrorIs(t, err, ErrMerchantNotFound)
	assert.NotErrorIs(t, err, ErrInvalidCode)

	_, err = r.Resolve(ctx, "fidelya://validar?comercio=m-closed")
	assert.ErrorIs(t, err, ErrMerchantNotFound)

	_, err = r.Resolve(ctx, "not a code")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.NotErrorIs(t, err, ErrMerchantNotFound)

	_, err = r.Encode(ctx, "m-gone")
	assert.ErrorIs(t, err, ErrMerchantNotFound)
}

func TestResolveUsesCacheUntilForgotten(t *testing.T) {
	ctx := context.Background()
	dir := memory.New()
	require.NoError(t, dir.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: true}))
	r := NewResolver(newCodec(t, ""), dir, time.Hour)

	_, err := r.Resolve(ctx, "fidelya://validar?comercio=m-1")
	require.NoError(t, err)

	require.NoError(t, dir.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: false}))
	_, err = r.Resolve(ctx, "fidelya://validar?comercio=m-1")
	require.NoError(t, err, "served from cache")

	r.Forget("m-1")
	_, err = r.Resolve(ctx, "fidelya://validar?comercio=m-1")
	assert.ErrorIs(t, err, ErrMerchantNotFound)
}

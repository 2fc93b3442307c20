package qrcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/cache"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

type Resolved struct {
	Merchant models.Merchant `json:"merchant"`
	Code     Decoded         `json:"code"`
}

// Resolver turns a scanned payload into a live merchant. Directory hits are
// cached for ttl; misses are not.
type Resolver struct {
	codec     *Codec
	merchants repository.MerchantDirectory
	cache     *cache.TTLCache[models.Merchant]
}

func NewResolver(codec *Codec, merchants repository.MerchantDirectory, ttl time.Duration) *Resolver {
	return &Resolver{
		codec:     codec,
		merchants: merchants,
		cache:     cache.NewTTLCache[models.Merchant](ttl),
	}
}

func (r *Resolver) Codec() *Codec {
	return r.codec
}

func (r *Resolver) Resolve(ctx context.Context, payload string) (Resolved, error) {
	code, err := r.codec.Decode(payload)
	if err != nil {
		return Resolved{}, err
	}
	m, err := r.merchant(ctx, code.MerchantID)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Merchant: m, Code: code}, nil
}

// Encode renders codes only for merchants that exist and are active.
func (r *Resolver) Encode(ctx context.Context, merchantID string) (MerchantCode, error) {
	if _, err := r.merchant(ctx, merchantID); err != nil {
		return MerchantCode{}, err
	}
	return r.codec.EncodeMerchantCode(merchantID)
}

// Forget drops a cached merchant, e.g. after it was deactivated.
func (r *Resolver) Forget(merchantID string) {
	r.cache.Delete(merchantID)
}

func (r *Resolver) merchant(ctx context.Context, id string) (models.Merchant, error) {
	m, ok := r.cache.Get(id)
	if !ok {
		found, err := r.merchants.GetMerchant(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return models.Merchant{}, fmt.Errorf("%w: %s", ErrMerchantNotFound, id)
		}
		if err != nil {
			return models.Merchant{}, fmt.Errorf("lookup merchant: %w", err)
		}
		m = *found
		r.cache.Set(id, m)
	}
	if !m.Active {
		return models.Merchant{}, fmt.Errorf("%w: %s is inactive", ErrMerchantNotFound, id)
	}
	return m, nil
}

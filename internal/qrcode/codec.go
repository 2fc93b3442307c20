package qrcode

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AppScheme = "fidelya"
	appHost   = "validar"
	webPath   = "/validar-beneficio"

	paramMerchant  = "comercio"
	paramSignature = "sig"

	maxMerchantIDLen = 128
)

var (
	ErrInvalidCode      = errors.New("invalid merchant code")
	ErrMerchantNotFound = errors.New("merchant not found")
)

type Variant string

const (
	VariantApp Variant = "app"
	VariantWeb Variant = "web"
)

// MerchantCode holds both printable payloads for one merchant.
type MerchantCode struct {
	AppURI string `json:"app_uri"`
	WebURL string `json:"web_url"`
}

type Decoded struct {
	MerchantID string  `json:"merchant_id"`
	Variant    Variant `json:"variant"`
	// Nonce is the signed jti, empty for unsigned codes.
	Nonce string `json:"nonce,omitempty"`
}

type Config struct {
	WebHost string
	// SigningKey enables HS256 nonces; empty produces unsigned, deterministic codes.
	SigningKey       string
	NonceTTL         time.Duration
	RequireSignature bool
}

type nonceClaims struct {
	MerchantID string `json:"mid"`
	jwt.RegisteredClaims
}

type Codec struct {
	webHost          string
	key              []byte
	ttl              time.Duration
	requireSignature bool
	now              func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	host := strings.ToLower(strings.TrimSpace(cfg.WebHost))
	if host == "" || strings.ContainsAny(host, "/?#") {
		return nil, fmt.Errorf("qrcode: invalid web host %q", cfg.WebHost)
	}
	key := []byte(strings.TrimSpace(cfg.SigningKey))
	if cfg.RequireSignature && len(key) == 0 {
		return nil, errors.New("qrcode: signatures required but no signing key configured")
	}
	return &Codec{
		webHost:          host,
		key:              key,
		ttl:              cfg.NonceTTL,
		requireSignature: cfg.RequireSignature,
		now:              time.Now,
	}, nil
}

// Signed reports whether encoded codes carry a nonce.
func (c *Codec) Signed() bool {
	return len(c.key) > 0
}

// EncodeMerchantCode renders both payload variants. Unsigned output depends
// only on merchantID; signed output rotates the nonce on every call.
func (c *Codec) EncodeMerchantCode(merchantID string) (MerchantCode, error) {
	if !validMerchantID(merchantID) {
		return MerchantCode{}, fmt.Errorf("%w: merchant id %q", ErrInvalidCode, merchantID)
	}
	q := url.Values{paramMerchant: {merchantID}}
	if c.Signed() {
		sig, err := c.sign(merchantID)
		if err != nil {
			return MerchantCode{}, err
		}
		q.Set(paramSignature, sig)
	}
	query := q.Encode()
	return MerchantCode{
		AppURI: AppScheme + "://" + appHost + "?" + query,
		WebURL: "https://" + c.webHost + webPath + "?" + query,
	}, nil
}

func (c *Codec) sign(merchantID string) (string, error) {
	now := c.now()
	claims := nonceClaims{
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("qrcode: sign nonce: %w", err)
	}
	return token, nil
}

// Decode accepts either variant and returns the merchant it names. Every
// failure is reported as ErrInvalidCode.
func (c *Codec) Decode(payload string) (Decoded, error) {
	u, err := url.Parse(strings.TrimSpace(payload))
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	var variant Variant
	switch strings.ToLower(u.Scheme) {
	case AppScheme:
		if !strings.EqualFold(u.Host, appHost) || (u.Path != "" && u.Path != "/") {
			return Decoded{}, fmt.Errorf("%w: unknown app target", ErrInvalidCode)
		}
		variant = VariantApp
	case "https":
		if !strings.EqualFold(u.Host, c.webHost) || strings.TrimSuffix(u.Path, "/") != webPath {
			return Decoded{}, fmt.Errorf("%w: unknown web target", ErrInvalidCode)
		}
		variant = VariantWeb
	default:
		return Decoded{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCode, u.Scheme)
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	ids := q[paramMerchant]
	if len(ids) != 1 || !validMerchantID(ids[0]) {
		return Decoded{}, fmt.Errorf("%w: missing or malformed %s", ErrInvalidCode, paramMerchant)
	}
	out := Decoded{MerchantID: ids[0], Variant: variant}

	sigs := q[paramSignature]
	switch {
	case len(sigs) > 1:
		return Decoded{}, fmt.Errorf("%w: repeated %s", ErrInvalidCode, paramSignature)
	case len(sigs) == 0:
		if c.requireSignature {
			return Decoded{}, fmt.Errorf("%w: unsigned code", ErrInvalidCode)
		}
		return out, nil
	}

	nonce, err := c.verify(sigs[0], out.MerchantID)
	if err != nil {
		return Decoded{}, err
	}
	out.Nonce = nonce
	return out, nil
}

func (c *Codec) verify(sig, merchantID string) (string, error) {
	if !c.Signed() {
		return "", fmt.Errorf("%w: signed code but no verification key", ErrInvalidCode)
	}
	var claims nonceClaims
	_, err := jwt.ParseWithClaims(sig, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if claims.MerchantID != merchantID {
		return "", fmt.Errorf("%w: signature bound to another merchant", ErrInvalidCode)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: signature without nonce", ErrInvalidCode)
	}
	return claims.ID, nil
}

func validMerchantID(id string) bool {
	if id == "" || len(id) > maxMerchantIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

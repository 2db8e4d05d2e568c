package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"digital-delivery/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type PaymentGateway interface {
	// ParseSignedEvent verifies the signature header and decodes the payload.
	ParseSignedEvent(payload []byte, signature string) (*domain.PaymentEvent, error)
	// VerifySession asks the provider directly for the status of a checkout session.
	VerifySession(ctx context.Context, sessionID string) (*domain.Session, error)
}

type Options struct {
	WebhookSecret string
	Tolerance     time.Duration
	APIBaseURL    string
	APIKey        string
	Timeout       time.Duration
}

type paymentGateway struct {
	secret    []byte
	tolerance time.Duration
	client    *resty.Client
	now       func() time.Time
}

func NewPaymentGateway(opts Options) PaymentGateway {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.APIBaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetAuthToken(opts.APIKey).
		SetHeader("Accept", "application/json")

	return &paymentGateway{
		secret:    []byte(opts.WebhookSecret),
		tolerance: opts.Tolerance,
		client:    client,
		now:       time.Now,
	}
}

func (pg *paymentGateway) ParseSignedEvent(payload []byte, signature string) (*domain.PaymentEvent, error) {
	if err := VerifySignature(payload, signature, pg.secret, pg.tolerance, pg.now()); err != nil {
		return nil, err
	}

	if !utf8.Valid(payload) {
		return nil, errors.Wrap(domain.ErrMalformedEvent, "payload is not valid UTF-8")
	}

	var event domain.PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Wrap(domain.ErrMalformedEvent, err.Error())
	}
	if event.ID == "" || event.Type == "" {
		return nil, errors.Wrap(domain.ErrMalformedEvent, "event id and type are required")
	}
	event.Raw = append(json.RawMessage(nil), payload...)
	return &event, nil
}

func (pg *paymentGateway) VerifySession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	resp, err := pg.client.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		SetResult(&session).
		Get("/v1/checkout/sessions/{id}")
	if err != nil {
		return nil, errors.Wrap(err, "verify session")
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, domain.ErrPaymentNotVerified
	case resp.IsError():
		return nil, errors.Errorf("verify session: provider returned %d", resp.StatusCode())
	}
	return &session, nil
}

// SignatureHeader builds a header value for payload signed at ts. Used by tests and tooling.
func SignatureHeader(payload, secret []byte, ts time.Time) string {
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + sign(payload, secret, ts.Unix())
}

// VerifySignature checks a "t=<unix>,v1=<hex>[,v1=<hex>]" header against an HMAC-SHA256 of "<t>.<payload>".
func VerifySignature(payload []byte, header string, secret []byte, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return errors.Wrap(domain.ErrSignatureInvalid, "missing signature header")
	}

	var ts int64 = -1
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errors.Wrap(domain.ErrSignatureInvalid, "bad timestamp")
			}
			ts = parsed
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts < 0 || len(candidates) == 0 {
		return errors.Wrap(domain.ErrSignatureInvalid, "incomplete signature header")
	}
	if tolerance > 0 && now.Sub(time.Unix(ts, 0)) > tolerance {
		return errors.Wrap(domain.ErrSignatureInvalid, "signature timestamp outside tolerance")
	}

	expected := sign(payload, secret, ts)
	for _, c := range candidates {
		if hmac.Equal([]byte(c), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrSignatureInvalid
}

func sign(payload, secret []byte, ts int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

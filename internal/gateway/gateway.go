// Package gateway adapts payment providers to one checkout and callback shape.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/models"
)

const maxBodyBytes = int64(65536)

// ErrIgnoredEvent is returned by ParseCallback for provider events that do
// not concern an order, such as Stripe notifications we never subscribed to
// on purpose. Such requests are acknowledged without processing.
var ErrIgnoredEvent = errors.New("event ignored")

type Customer struct {
	Name  string
	Email string
	Phone string
}

// Checkout is what the browser needs to start a payment.
type Checkout struct {
	PaymentURL     string
	Params         map[string]interface{}
	GatewayOrderID string
}

// Callback is a gateway notification reduced to the fields verification
// needs. Fields keeps every submitted value, Raw the unparsed body for
// providers that sign the body itself. Retryable marks the failure of one
// payment against an order the customer may still pay, so the order stays
// PENDING.
type Callback struct {
	TransactionID    string
	GatewayOrderID   string
	GatewayPaymentID string
	AmountMinor      int64
	Status           string
	Success          bool
	Retryable        bool
	Signature        string
	Fields           map[string]string
	Raw              []byte
}

type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, order *models.Order, customer Customer) (*Checkout, error)
	// ParseCallback extracts a Callback without trusting it. Missing
	// transaction id or signature yields models.ErrMalformedRequest.
	ParseCallback(r *http.Request) (*Callback, error)
	// Verify checks the signature and that the callback refers to order at
	// the order's amount. It returns models.ErrSignatureMismatch on any
	// disagreement and models.ErrMalformedRequest when a signed field is
	// missing.
	Verify(cb *Callback, order *models.Order) error
}

type Registry struct {
	gateways       map[string]Gateway
	defaultGateway string
}

func NewRegistry(defaultGateway string, gateways ...Gateway) *Registry {
	r := &Registry{
		gateways:       make(map[string]Gateway),
		defaultGateway: defaultGateway,
	}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// FromConfig builds the registry for every gateway with credentials.
func FromConfig(cfg *config.Config) *Registry {
	var gateways []Gateway
	for _, name := range cfg.Gateways() {
		switch name {
		case "payu":
			gateways = append(gateways, NewPayU(cfg))
		case "razorpay":
			gateways = append(gateways, NewRazorpay(cfg))
		case "stripe":
			gateways = append(gateways, NewStripe(cfg))
		}
	}
	return NewRegistry(cfg.DefaultGateway, gateways...)
}

// Get returns the named gateway, or the default one for an empty name.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.defaultGateway
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownGateway, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// readFields accepts form-encoded or flat JSON bodies and returns the raw body
// alongside the decoded values.
func readFields(r *http.Request) (map[string]string, []byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, nil, err
	}

	fields := make(map[string]string)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var values map[string]interface{}
		if err := json.Unmarshal(body, &values); err != nil {
			return nil, nil, fmt.Errorf("%w: decode json: %v", models.ErrMalformedRequest, err)
		}
		for k, v := range values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case nil:
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		return fields, body, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode form: %v", models.ErrMalformedRequest, err)
	}
	for k := range values {
		fields[k] = values.Get(k)
	}
	for k := range r.URL.Query() {
		if _, ok := fields[k]; !ok {
			fields[k] = r.URL.Query().Get(k)
		}
	}
	return fields, body, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("%w: empty body", models.ErrMalformedRequest)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", models.ErrMalformedRequest, err)
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body too large", models.ErrMalformedRequest)
	}
	return body, nil
}

// RedirectURL appends txnid and template to a browser return URL.
func RedirectURL(base, txnID, templateID string) string {
	q := url.Values{}
	q.Set("txnid", txnID)
	q.Set("template", templateID)

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

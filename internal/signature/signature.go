// Package signature computes and checks payment gateway signatures.
//
// Every function here is pure. The string templates must match the gateways
// byte for byte: a different amount precision, field order or delimiter count
// produces a valid-looking digest that the gateway will never agree with.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedCallback is returned when a callback lacks a field the
// signature template needs. A mismatching signature is not an error.
var ErrMalformedCallback = errors.New("malformed callback")

// PayUFields are the request fields covered by the PayU hash.
type PayUFields struct {
	Key         string
	TxnID       string
	Amount      string
	ProductInfo string
	FirstName   string
	Email       string
	UDF1        string
	UDF2        string
	UDF3        string
	UDF4        string
	UDF5        string
}

// PayURequestHash returns sha512(key|txnid|amount|productinfo|firstname|email|udf1..udf5||||||salt).
func PayURequestHash(f PayUFields, salt string) string {
	parts := []string{
		f.Key, f.TxnID, f.Amount, f.ProductInfo, f.FirstName, f.Email,
		f.UDF1, f.UDF2, f.UDF3, f.UDF4, f.UDF5,
		"", "", "", "", "",
		salt,
	}
	return sha512Hex(strings.Join(parts, "|"))
}

// PayUResponseHash returns the reverse hash PayU posts back:
// sha512([additionalCharges|]salt|status||||||udf5..udf1|email|firstname|productinfo|amount|txnid|key).
func PayUResponseHash(f PayUFields, status, additionalCharges, salt string) string {
	parts := make([]string, 0, 18)
	if additionalCharges != "" {
		parts = append(parts, additionalCharges)
	}
	parts = append(parts,
		salt, status,
		"", "", "", "", "",
		f.UDF5, f.UDF4, f.UDF3, f.UDF2, f.UDF1,
		f.Email, f.FirstName, f.ProductInfo, f.Amount, f.TxnID, f.Key,
	)
	return sha512Hex(strings.Join(parts, "|"))
}

var payuRequired = []string{"txnid", "amount", "productinfo", "firstname", "email", "status"}

// MissingPayUField returns the first field the PayU response hash covers
// that is absent from fields, or "" when all are present.
func MissingPayUField(fields map[string]string) string {
	for _, name := range payuRequired {
		if fields[name] == "" {
			return name
		}
	}
	return ""
}

// VerifyPayUCallback recomputes the PayU response hash from callback fields
// and compares it with received in constant time.
func VerifyPayUCallback(fields map[string]string, received, key, salt string) (bool, error) {
	if received == "" {
		return false, fmt.Errorf("%w: missing hash", ErrMalformedCallback)
	}
	if name := MissingPayUField(fields); name != "" {
		return false, fmt.Errorf("%w: missing %s", ErrMalformedCallback, name)
	}

	// The callback echoes the merchant key; a different key cannot be ours.
	if k := fields["key"]; k != "" && k != key {
		return false, nil
	}

	f := PayUFields{
		Key:         key,
		TxnID:       fields["txnid"],
		Amount:      fields["amount"],
		ProductInfo: fields["productinfo"],
		FirstName:   fields["firstname"],
		Email:       fields["email"],
		UDF1:        fields["udf1"],
		UDF2:        fields["udf2"],
		UDF3:        fields["udf3"],
		UDF4:        fields["udf4"],
		UDF5:        fields["udf5"],
	}
	expected := PayUResponseHash(f, fields["status"], fields["additionalCharges"], salt)
	return Equal(expected, received), nil
}

// RazorpayPaymentSignature returns hex(hmac_sha256(order_id|payment_id, secret)).
func RazorpayPaymentSignature(orderID, paymentID, secret string) string {
	return hmacHex([]byte(orderID+"|"+paymentID), secret)
}

// VerifyRazorpayCallback checks the checkout handler signature.
func VerifyRazorpayCallback(fields map[string]string, received, secret string) (bool, error) {
	if received == "" {
		return false, fmt.Errorf("%w: missing razorpay_signature", ErrMalformedCallback)
	}
	orderID := fields["razorpay_order_id"]
	paymentID := fields["razorpay_payment_id"]
	if orderID == "" || paymentID == "" {
		return false, fmt.Errorf("%w: missing razorpay_order_id or razorpay_payment_id", ErrMalformedCallback)
	}
	return Equal(RazorpayPaymentSignature(orderID, paymentID, secret), received), nil
}

// RazorpayWebhookSignature returns hex(hmac_sha256(body, secret)).
func RazorpayWebhookSignature(body []byte, secret string) string {
	return hmacHex(body, secret)
}

// VerifyRazorpayWebhook checks the X-Razorpay-Signature header over the raw body.
func VerifyRazorpayWebhook(body []byte, received, secret string) (bool, error) {
	if received == "" {
		return false, fmt.Errorf("%w: missing X-Razorpay-Signature", ErrMalformedCallback)
	}
	if len(body) == 0 {
		return false, fmt.Errorf("%w: empty body", ErrMalformedCallback)
	}
	return Equal(RazorpayWebhookSignature(body, secret), received), nil
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(expected, received string) bool {
	a := []byte(strings.ToLower(expected))
	b := []byte(strings.ToLower(strings.TrimSpace(received)))
	return subtle.ConstantTimeCompare(a, b) == 1
}

// FormatAmount renders minor units as a fixed two-decimal string: 9900 -> "99.00".
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseAmount converts a decimal amount string to minor units. It rejects
// values with more than two decimal places.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: too many decimal places", s)
	}
	return minor.IntPart(), nil
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacHex(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

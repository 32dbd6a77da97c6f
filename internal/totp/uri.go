package totp

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// KeyURI builds an otpauth:// provisioning URI for the secret, suitable for
// rendering as a QR code. The issuer and account name identify the entry in
// the user's authenticator app.
func KeyURI(secret []byte, issuer, account string, p Params) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", EncodeSecret(secret))
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(int(p.Period/time.Second)))
	v.Set("digits", strconv.Itoa(p.Digits))
	v.Set("algorithm", strings.ToUpper(p.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

package payment

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	internal "github.com/starforge/botpay/internal"
)

// Verify checks a gateway result signature: an MD5 digest over
// "outSum:invId:secret" encoded as uppercase hex. The comparison is
// constant-time and any malformed input yields false, never an error.
func Verify(outSum, invID, receivedSignature, secret string) bool {
	if outSum == "" || invID == "" || receivedSignature == "" || secret == "" {
		return false
	}
	if _, err := hex.DecodeString(receivedSignature); err != nil {
		return false
	}

	sum := md5.Sum([]byte(outSum + ":" + invID + ":" + secret))
	expected := strings.ToUpper(hex.EncodeToString(sum[:]))
	received := strings.ToUpper(receivedSignature)

	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// SignatureVerifier is what the reconciliation engine sees; the indirection
// lets tests assert the verifier is never reached for requests rejected
// earlier in the pipeline.
type SignatureVerifier interface {
	VerifyResult(outSum, invID, signature string, isTest bool) bool
}

// RobokassaGateway holds the merchant credentials and builds/verifies the
// gateway's signature scheme. Password1 signs outgoing payment URLs,
// Password2 verifies result callbacks; test-mode callbacks are hashed with
// the test passwords.
type RobokassaGateway struct {
	cfg internal.RobokassaConfig
}

func NewRobokassaGateway(cfg internal.RobokassaConfig) *RobokassaGateway {
	return &RobokassaGateway{cfg: cfg}
}

func (g *RobokassaGateway) pass1() string {
	if g.cfg.IsTest && g.cfg.TestPassword1 != "" {
		return g.cfg.TestPassword1
	}
	return g.cfg.Password1
}

func (g *RobokassaGateway) pass2(isTest bool) string {
	if isTest && g.cfg.TestPassword2 != "" {
		return g.cfg.TestPassword2
	}
	return g.cfg.Password2
}

func (g *RobokassaGateway) VerifyResult(outSum, invID, signature string, isTest bool) bool {
	return Verify(outSum, invID, signature, g.pass2(isTest))
}

// PayURL builds the hosted-payment redirect for a pending invoice. The URL
// signature covers "MerchantLogin:OutSum:InvId:Password1" plus the merchant
// correlation parameters the result callback will echo back.
func (g *RobokassaGateway) PayURL(invID int64, amount decimal.Decimal, userID int64, paymentUUID, description string) string {
	outSum := amount.StringFixed(2)

	raw := fmt.Sprintf("%s:%s:%d:%s", g.cfg.MerchantLogin, outSum, invID, g.pass1())
	sum := md5.Sum([]byte(raw))
	sig := strings.ToUpper(hex.EncodeToString(sum[:]))

	params := url.Values{}
	params.Set("MerchantLogin", g.cfg.MerchantLogin)
	params.Set("OutSum", outSum)
	params.Set("InvId", fmt.Sprintf("%d", invID))
	params.Set("Description", description)
	params.Set("SignatureValue", sig)
	params.Set(ParamUserID, fmt.Sprintf("%d", userID))
	params.Set(ParamPaymentUUID, paymentUUID)
	if g.cfg.IsTest {
		params.Set("IsTest", "1")
	}

	return g.cfg.BaseURL + "?" + params.Encode()
}

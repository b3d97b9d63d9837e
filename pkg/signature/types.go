package signature

import "github.com/zksig/esign/pkg/identity"

const (
	EnvelopeVersion   = "sig-v1"
	EnvelopeAlgorithm = "ed25519"
)

// Envelope authenticates an API request: an Ed25519 signature by PublicKey
// over the canonical SHA-256 of the request payload, issued_at and context.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	Context     string `json:"context"`
}

// Operation contexts. An envelope is only accepted by the operation whose
// context it was signed for.
const (
	ContextCreateProfile   = "esign:create_profile"
	ContextCreateAgreement = "esign:create_agreement"
	ContextCreateSlot      = "esign:create_slot"
	ContextSignSlot        = "esign:sign_slot"
	ContextApprove         = "esign:approve"
	ContextReject          = "esign:reject"
)

// AgreementContext scopes an operation context to one agreement.
func AgreementContext(op string, agreement identity.Address) string {
	return op + ":" + agreement.String()
}

package signature

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zksig/esign/pkg/domain"
)

// Layout of the Ed25519 verification record: a 16 byte little-endian header
// followed by the public key, the signature and the message, all referenced
// from the current instruction.
const (
	HeaderSize         = 16
	PublicKeyOffset    = HeaderSize
	SignatureOffset    = PublicKeyOffset + ed25519.PublicKeySize
	MessageOffset      = SignatureOffset + ed25519.SignatureSize
	CurrentInstruction = math.MaxUint16
)

// Header is the fixed 16-byte little-endian prefix of a verification record.
type Header struct {
	NumSignatures             uint8
	Padding                   uint8
	SignatureOffset           uint16
	SignatureInstructionIndex uint16
	PublicKeyOffset           uint16
	PublicKeyInstructionIndex uint16
	MessageDataOffset         uint16
	MessageDataSize           uint16
	MessageInstructionIndex   uint16
}

// Record is a parsed verification record: the header and the key, signature
// and message it points at.
type Record struct {
	Header    Header
	PublicKey []byte
	Signature []byte
	Message   []byte
}

func verificationError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrSignatureVerification}, args...)...)
}

// ParseRecord decodes a verification record and rejects any header that
// does not describe the fixed single-signature layout.
func ParseRecord(b []byte) (Record, error) {
	if len(b) < MessageOffset {
		return Record{}, verificationError("record length %d below %d", len(b), MessageOffset)
	}
	h := Header{
		NumSignatures:             b[0],
		Padding:                   b[1],
		SignatureOffset:           binary.LittleEndian.Uint16(b[2:4]),
		SignatureInstructionIndex: binary.LittleEndian.Uint16(b[4:6]),
		PublicKeyOffset:           binary.LittleEndian.Uint16(b[6:8]),
		PublicKeyInstructionIndex: binary.LittleEndian.Uint16(b[8:10]),
		MessageDataOffset:         binary.LittleEndian.Uint16(b[10:12]),
		MessageDataSize:           binary.LittleEndian.Uint16(b[12:14]),
		MessageInstructionIndex:   binary.LittleEndian.Uint16(b[14:16]),
	}
	if err := h.check(); err != nil {
		return Record{}, err
	}
	if want := MessageOffset + int(h.MessageDataSize); len(b) != want {
		return Record{}, verificationError("record length %d, want %d", len(b), want)
	}
	return Record{
		Header:    h,
		PublicKey: b[PublicKeyOffset:SignatureOffset],
		Signature: b[SignatureOffset:MessageOffset],
		Message:   b[MessageOffset:],
	}, nil
}

func (h Header) check() error {
	switch {
	case h.NumSignatures != 1:
		return verificationError("num_signatures %d", h.NumSignatures)
	case h.Padding != 0:
		return verificationError("padding %d", h.Padding)
	case h.SignatureOffset != SignatureOffset:
		return verificationError("signature_offset %d", h.SignatureOffset)
	case h.SignatureInstructionIndex != CurrentInstruction:
		return verificationError("signature_instruction_index %d", h.SignatureInstructionIndex)
	case h.PublicKeyOffset != PublicKeyOffset:
		return verificationError("public_key_offset %d", h.PublicKeyOffset)
	case h.PublicKeyInstructionIndex != CurrentInstruction:
		return verificationError("public_key_instruction_index %d", h.PublicKeyInstructionIndex)
	case h.MessageDataOffset != MessageOffset:
		return verificationError("message_data_offset %d", h.MessageDataOffset)
	case h.MessageInstructionIndex != CurrentInstruction:
		return verificationError("message_instruction_index %d", h.MessageInstructionIndex)
	}
	return nil
}

// Matches cross-checks the record contents against the expected claim.
func (r Record) Matches(publicKey, sig, message []byte) error {
	if int(r.Header.MessageDataSize) != len(message) {
		return verificationError("message_data_size %d, want %d", r.Header.MessageDataSize, len(message))
	}
	if !bytes.Equal(r.PublicKey, publicKey) {
		return verificationError("public key mismatch")
	}
	if !bytes.Equal(r.Signature, sig) {
		return verificationError("signature mismatch")
	}
	if !bytes.Equal(r.Message, message) {
		return verificationError("message mismatch")
	}
	return nil
}

// BuildRecord encodes a verification record for one signature.
func BuildRecord(publicKey ed25519.PublicKey, sig, message []byte) ([]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidEncoding, len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrInvalidEncoding, len(sig))
	}
	if len(message) > math.MaxUint16-MessageOffset {
		return nil, fmt.Errorf("%w: message length %d", ErrInvalidEncoding, len(message))
	}
	out := make([]byte, MessageOffset+len(message))
	out[0] = 1
	binary.LittleEndian.PutUint16(out[2:4], SignatureOffset)
	binary.LittleEndian.PutUint16(out[4:6], CurrentInstruction)
	binary.LittleEndian.PutUint16(out[6:8], PublicKeyOffset)
	binary.LittleEndian.PutUint16(out[8:10], CurrentInstruction)
	binary.LittleEndian.PutUint16(out[10:12], MessageOffset)
	binary.LittleEndian.PutUint16(out[12:14], uint16(len(message)))
	binary.LittleEndian.PutUint16(out[14:16], CurrentInstruction)
	copy(out[PublicKeyOffset:], publicKey)
	copy(out[SignatureOffset:], sig)
	copy(out[MessageOffset:], message)
	return out, nil
}

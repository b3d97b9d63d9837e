package badgerstore

import (
	"encoding/binary"

	"github.com/zksig/esign/pkg/identity"
)

const (
	codeProfile         = 1
	codeAgreement       = 2
	codeSlot            = 3
	codeSignature       = 4
	codeSlotByAgreement = 10
	codeSignatureBySign = 11
)

func makePrefix(code byte, parts ...[]byte) []byte {
	prefix := []byte{code}
	for _, p := range parts {
		prefix = append(prefix, p...)
	}
	return prefix
}

func recordKey(code byte, addr identity.Address) []byte {
	return makePrefix(code, addr.Bytes())
}

func slotIndexKey(agreement identity.Address, index uint8) []byte {
	return makePrefix(codeSlotByAgreement, agreement.Bytes(), []byte{index})
}

func signatureIndexKey(signer identity.Identity, seq uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	return makePrefix(codeSignatureBySign, signer.Bytes(), b[:])
}

package domain

import (
	"fmt"

	"github.com/glaslos/tlsh"
)

// tlshMinInput is the smallest payload the locality hash accepts.
const tlshMinInput = 50

// InputShape digests a payload into a locality-sensitive shape string.
// Similar inputs hash to similar digests, so near-identical mutations of
// one trigger collapse into one signature. Payloads too short to hash
// fall back to a length bucket, which is coarse but stable.
func InputShape(payload []byte) string {
	if len(payload) >= tlshMinInput {
		if digest, err := tlsh.HashBytes(payload); err == nil {
			return digest.String()
		}
	}
	return fmt.Sprintf("len%d", (len(payload)+15)&^15)
}

// NewCrashSignature derives the dedup signature for a faulting
// execution. The program counter is bucketed to 64 bytes so adjacent
// instructions of one crash site compare equal.
func NewCrashSignature(fault *FaultDetail, payload []byte) CrashSignature {
	if fault == nil {
		return CrashSignature{}
	}
	return CrashSignature{
		Class:    fault.Class,
		Location: fault.PC &^ 0x3F,
		Shape:    InputShape(payload),
	}
}

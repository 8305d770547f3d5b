package anonymiser

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// keyedDigest computes a keyed BLAKE2b-512 digest. Keys longer than the
// BLAKE2b maximum are folded down first.
func keyedDigest(key, data []byte) []byte {
	if len(key) > blake2b.Size {
		folded := blake2b.Sum512(key)
		key = folded[:]
	}
	h, err := blake2b.New512(key)
	if err != nil {
		// Only reachable with an oversized key, which fold prevents.
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// PseudoPatientID derives the project-scoped pseudonymised patient ID from
// the original patient ID. Deterministic under one project salt, not
// linkable across projects.
func PseudoPatientID(salt []byte, patientID string) string {
	if len(salt) > blake2b.Size {
		folded := blake2b.Sum512(salt)
		salt = folded[:]
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(patientID))
	return hex.EncodeToString(h.Sum(nil))
}

// DateShiftOffsetDays derives the per-study date shift: a deterministic
// value in [-spanDays, 0] keyed on the project salt and the original
// StudyInstanceUID, so every instance of a study shifts identically.
func DateShiftOffsetDays(salt []byte, studyUID string, spanDays int) int {
	if spanDays <= 0 {
		spanDays = 30
	}
	digest := keyedDigest(salt, []byte(studyUID))
	n := binary.BigEndian.Uint64(digest[:8])
	return -int(n % uint64(spanDays+1))
}

// secureHashValue is the generic secure-hash operation: keyed digest of the
// element value, base64-encoded and clamped to the VR's maximum length.
func secureHashValue(salt []byte, localSalt, value string, vr string) string {
	key := salt
	if localSalt != "" {
		// Mix the element-local salt so distinct tags hash independently.
		local := []byte(localSalt)
		n := len(salt)
		if len(local) > n {
			n = len(local)
		}
		key = make([]byte, n)
		copy(key, salt)
		for i := range key {
			key[i] ^= local[i%len(local)]
		}
	}
	encoded := base64.RawURLEncoding.EncodeToString(keyedDigest(key, []byte(value)))
	if max := maxVRLength(vr); len(encoded) > max {
		encoded = encoded[:max]
	}
	return encoded
}

// maxVRLength is the DICOM-defined maximum value length per VR, used to
// clamp hashed replacements.
func maxVRLength(vr string) int {
	switch vr {
	case "AE", "CS", "DS", "SH":
		return 16
	case "AS", "DA":
		return 8
	case "DT", "TM":
		return 26
	case "IS":
		return 12
	case "LO", "PN", "UI":
		return 64
	case "LT":
		return 10240
	case "ST":
		return 1024
	default:
		return 64
	}
}

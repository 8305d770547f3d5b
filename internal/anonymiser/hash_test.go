package anonymiser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPseudoPatientID_Deterministic(t *testing.T) {
	salt := []byte("project-salt")

	first := PseudoPatientID(salt, "M1")
	second := PseudoPatientID(salt, "M1")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestPseudoPatientID_NotLinkableAcrossProjects(t *testing.T) {
	id1 := PseudoPatientID([]byte("salt-project-1"), "M1")
	id2 := PseudoPatientID([]byte("salt-project-2"), "M1")
	assert.NotEqual(t, id1, id2)
}

func TestDateShiftOffsetDays_Range(t *testing.T) {
	salt := []byte("salt")
	for i := 0; i < 200; i++ {
		uid := "1.2.3." + string(rune('0'+i%10)) + "." + string(rune('a'+i%26))
		offset := DateShiftOffsetDays(salt, uid, 30)
		assert.GreaterOrEqual(t, offset, -30)
		assert.LessOrEqual(t, offset, 0)
	}
}

func TestDateShiftOffsetDays_Deterministic(t *testing.T) {
	salt := []byte("salt")
	assert.Equal(t,
		DateShiftOffsetDays(salt, "1.2.3.4", 30),
		DateShiftOffsetDays(salt, "1.2.3.4", 30),
	)
}

func TestDateShiftOffsetDays_VariesByStudy(t *testing.T) {
	salt := []byte("salt")
	offsets := make(map[int]bool)
	for i := 0; i < 64; i++ {
		uid := "1.2.840.1." + string(rune('0'+i%10)) + "." + string(rune('0'+(i/10)%10))
		offsets[DateShiftOffsetDays(salt, uid, 30)] = true
	}
	assert.Greater(t, len(offsets), 1, "all studies shifted identically")
}

func TestSecureHashValue_ClampsToVRLength(t *testing.T) {
	salt := []byte("salt")

	short := secureHashValue(salt, "station", "some value", "SH")
	assert.LessOrEqual(t, len(short), 16)

	long := secureHashValue(salt, "desc", "some value", "LO")
	assert.LessOrEqual(t, len(long), 64)
}

func TestSecureHashValue_LocalSaltSeparatesTags(t *testing.T) {
	salt := []byte("salt")
	a := secureHashValue(salt, "tag-a", "value", "LO")
	b := secureHashValue(salt, "tag-b", "value", "LO")
	assert.NotEqual(t, a, b)
}

func TestKeyedDigest_OversizedKeyFolds(t *testing.T) {
	key := make([]byte, 200)
	assert.NotPanics(t, func() {
		keyedDigest(key, []byte("data"))
	})
}

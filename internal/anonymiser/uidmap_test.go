package anonymiser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testRoot = "1.2.826.0.1.3680043.10.1011"

func TestUIDMap_Deterministic(t *testing.T) {
	salt := []byte("salt")
	first := NewUIDMap(testRoot, salt)
	second := NewUIDMap(testRoot, salt)

	uid := "1.2.840.113619.2.55.3.604688.123"
	assert.Equal(t, first.Map(uid), second.Map(uid))
	assert.Equal(t, first.Map(uid), first.Map(uid))
}

func TestUIDMap_Format(t *testing.T) {
	uids := NewUIDMap(testRoot, []byte("salt"))
	mapped := uids.Map("1.2.3.4.5")

	assert.True(t, strings.HasPrefix(mapped, testRoot+"."))
	assert.LessOrEqual(t, len(mapped), 64)
	suffix := strings.TrimPrefix(mapped, testRoot+".")
	assert.NotEmpty(t, suffix)
	for _, r := range suffix {
		assert.True(t, r >= '0' && r <= '9', "suffix must be decimal digits")
	}
	assert.NotEqual(t, byte('0'), suffix[0], "no leading zero component")
}

func TestUIDMap_DistinctInputsDistinctOutputs(t *testing.T) {
	uids := NewUIDMap(testRoot, []byte("salt"))
	seen := make(map[string]string)

	for i := 0; i < 5000; i++ {
		original := fmt.Sprintf("1.2.840.113619.2.55.%d.%d", i, i*31)
		mapped := uids.Map(original)
		if prior, collision := seen[mapped]; collision {
			t.Fatalf("collision: %s and %s both map to %s", prior, original, mapped)
		}
		seen[mapped] = original
	}
}

func TestUIDMap_DiffersAcrossSalts(t *testing.T) {
	a := NewUIDMap(testRoot, []byte("salt-a"))
	b := NewUIDMap(testRoot, []byte("salt-b"))
	assert.NotEqual(t, a.Map("1.2.3"), b.Map("1.2.3"))
}

func TestUIDMap_Alias(t *testing.T) {
	uids := NewUIDMap(testRoot, []byte("salt"))
	anon := uids.Map("1.2.3")
	uids.Alias("4.5.6", anon)

	assert.Equal(t, anon, uids.Map("4.5.6"))
	assert.True(t, uids.Known("4.5.6"))
	assert.False(t, uids.Known("7.8.9"))
}

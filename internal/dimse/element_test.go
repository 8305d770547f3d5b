package dimse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementBuilder_RoundTrip(t *testing.T) {
	b := newElementBuilder()
	b.setString(TagQueryRetrieveLevel, "STUDY")
	b.setString(TagPatientID, "M1")
	b.setString(TagStudyInstanceUID, "1.2.3")
	b.setUint16(tagCommandField, commandCFindRQ)
	b.setEmpty(TagModalitiesInStudy)

	decoded, err := parseElements(b.encode())
	require.NoError(t, err)

	assert.Equal(t, "STUDY", decoded.stringValue(TagQueryRetrieveLevel))
	assert.Equal(t, "M1", decoded.stringValue(TagPatientID))
	assert.Equal(t, "1.2.3", decoded.stringValue(TagStudyInstanceUID))
	cmd, ok := decoded.uint16Value(tagCommandField)
	require.True(t, ok)
	assert.Equal(t, uint16(commandCFindRQ), cmd)
	_, present := decoded[TagModalitiesInStudy]
	assert.True(t, present)
}

func TestElementBuilder_EncodesInAscendingTagOrder(t *testing.T) {
	b := newElementBuilder()
	b.setString(TagStudyInstanceUID, "1.2.3") // 0020,000D
	b.setString(TagPatientID, "M1")           // 0010,0020
	b.setString(TagAccessionNumber, "A1")     // 0008,0050

	encoded := b.encode()

	var groups []uint16
	offset := 0
	for offset+8 <= len(encoded) {
		group := binary.LittleEndian.Uint16(encoded[offset:])
		length := binary.LittleEndian.Uint32(encoded[offset+4:])
		groups = append(groups, group)
		offset += 8 + int(length)
	}
	assert.Equal(t, []uint16{0x0008, 0x0010, 0x0020}, groups)
}

func TestElementBuilder_PadsOddLengths(t *testing.T) {
	b := newElementBuilder()
	b.setString(TagPatientID, "M1X") // odd length, space padded
	b.setString(TagStudyInstanceUID, "1.2.3") // odd UID, NUL padded

	decoded, err := parseElements(b.encode())
	require.NoError(t, err)

	// Padding must not survive decoding.
	assert.Equal(t, "M1X", decoded.stringValue(TagPatientID))
	assert.Equal(t, "1.2.3", decoded.stringValue(TagStudyInstanceUID))
	assert.Equal(t, 0, len(decoded[TagPatientID])%2)
	assert.Equal(t, 0, len(decoded[TagStudyInstanceUID])%2)
}

func TestParseElements_Truncated(t *testing.T) {
	b := newElementBuilder()
	b.setString(TagPatientID, "M1")
	encoded := b.encode()

	_, err := parseElements(encoded[:len(encoded)-1])
	assert.Error(t, err)
}

func TestElementSet_HasDataset(t *testing.T) {
	b := newElementBuilder()
	b.setUint16(tagCommandDataSetType, dataSetAbsent)
	decoded, err := parseElements(b.encode())
	require.NoError(t, err)
	assert.False(t, decoded.hasDataset())

	b = newElementBuilder()
	b.setUint16(tagCommandDataSetType, 0x0001)
	decoded, err = parseElements(b.encode())
	require.NoError(t, err)
	assert.True(t, decoded.hasDataset())
}

func TestElementSet_IntValue(t *testing.T) {
	b := newElementBuilder()
	b.setString(TagNumberOfStudyInstances, "42 ")
	decoded, err := parseElements(b.encode())
	require.NoError(t, err)
	assert.Equal(t, 42, decoded.intValue(TagNumberOfStudyInstances))
}

func TestSplitMultiValue(t *testing.T) {
	assert.Equal(t, []string{"CT", "SR"}, splitMultiValue(`CT\SR`))
	assert.Equal(t, []string{"CT"}, splitMultiValue("CT"))
	assert.Nil(t, splitMultiValue(""))
}

package ecp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomeParseRoundTrip(t *testing.T) {
	var groupID [8]byte
	for i := range groupID {
		groupID[i] = byte(i + 1)
	}

	for _, flag2 := range []bool{true, false} {
		frame := Home(groupID, flag2)
		got, err := Parse(frame)
		require.NoError(t, err)
		assert.Equal(t, groupID, got.GroupIdentifier)
		assert.Equal(t, flag2, got.Flag2)
	}
}

func TestParseRejectsShortFrame(t *testing.T) {
	_, err := Parse([]byte{0x6A})
	assert.Error(t, err)
}

func TestParseRejectsWrongOpcode(t *testing.T) {
	var groupID [8]byte
	frame := Home(groupID, false)
	frame[0] = 0xFF
	_, err := Parse(frame)
	assert.Error(t, err)
}

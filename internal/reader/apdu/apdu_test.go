package apdu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandMarshalCase1(t *testing.T) {
	cmd := Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Le: -1}
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, cmd.Marshal())
}

func TestCommandMarshalCase3ShortLc(t *testing.T) {
	cmd := Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0x01, 0x02}, Le: -1}
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x01, 0x02}, cmd.Marshal())
}

func TestCommandMarshalExtendedLcWhenDataExceeds255(t *testing.T) {
	data := make([]byte, 300)
	cmd := Command{CLA: 0x80, INS: 0x10, Data: data, Le: -1}
	got := cmd.Marshal()
	require.True(t, len(got) > len(data))
	assert.Equal(t, byte(0x00), got[4])
}

type fakeTransceiver struct {
	resp []byte
	err  error
}

func (f fakeTransceiver) Transceive(cmd []byte) ([]byte, error) { return f.resp, f.err }

func TestTransceiveWrapsIOErrorAsTransportError(t *testing.T) {
	_, err := Transceive(fakeTransceiver{err: errors.New("boom")}, Command{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestTransceiveParsesStatusWord(t *testing.T) {
	resp, err := Transceive(fakeTransceiver{resp: []byte{0xAA, 0xBB, 0x90, 0x00}}, Command{})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, []byte{0xAA, 0xBB}, resp.Data)
}

func TestParseResponseRejectsShortFrame(t *testing.T) {
	_, err := ParseResponse([]byte{0x90})
	assert.Error(t, err)
}

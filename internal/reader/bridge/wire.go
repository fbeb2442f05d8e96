package bridge

import "encoding/json"

// byteArray marshals/unmarshals as a JSON array of small integers
// (`[1,2,3]`), not encoding/json's default base64-string treatment of
// []byte — matching the oracle's wire format for "message"/"data" fields
// (spec §6: `[<u8>...]`), recovered from original_source/api_client.py's
// plain `list[int]` payloads.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

package param

import (
	"errors"
	"testing"
)

func TestMapGetRoundTrip(t *testing.T) {
	blob := DataBlob{Data: []byte{1, 2, 3, 4}, Count: 4, Type: FLOAT16}
	m := Map{Key("conv0", "weights", 0): blob}

	got, err := m.Get("conv0", "weights", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 4 || len(got.Data) != 4 {
		t.Fatalf("Get() = %+v, want %+v", got, blob)
	}
}

func TestMapGetMissing(t *testing.T) {
	m := Map{}
	_, err := m.Get("missing", "weights", 0)
	if !errors.Is(err, ErrParamMissing) {
		t.Fatalf("Get() on missing key = %v, want wrapping ErrParamMissing", err)
	}
}

func TestKeyDistinguishesSublayerIndex(t *testing.T) {
	a := Key("attn", "qproj", 0)
	b := Key("attn", "qproj", 1)
	if a == b {
		t.Fatal("Key() must distinguish sublayer index")
	}
}

func TestKeyDistinguishesNegativeIndex(t *testing.T) {
	a := Key("attn", "qproj", -1)
	b := Key("attn", "qproj", 1)
	if a == b {
		t.Fatal("Key() must distinguish negative from positive sublayer index")
	}
}

package domain

import (
	"testing"
)

// Parsing must never panic and must return either a valid ID or an error.
func FuzzParseFilingID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add("'; DROP TABLE filings;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseFilingID(input)
		if err != nil {
			return
		}
		if id.IsNil() {
			t.Fatal("parsed nil filing ID without error")
		}
		roundTrip, err := ParseFilingID(id.String())
		if err != nil {
			t.Fatalf("valid ID failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Fatal("round-trip changed ID value")
		}
	})
}

func FuzzParseTaxpayerID(f *testing.F) {
	f.Add("ABCDE1234F")
	f.Add("abcde1234f")
	f.Add("")
	f.Add("ABCDE1234ßF")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseTaxpayerID(input)
		if err != nil {
			return
		}
		if len(id) != 10 {
			t.Fatalf("accepted taxpayer ID of length %d", len(id))
		}
		if _, err := ParseTaxpayerID(string(id)); err != nil {
			t.Fatalf("normalized ID rejected on re-parse: %v", err)
		}
	})
}

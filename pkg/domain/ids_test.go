package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "efiling/pkg/domain-errors"
)

// IDs must be valid, non-empty, non-nil UUIDs.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseFilingID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseFilingID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseFilingID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseFilingID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, FilingID(validUUID), id)
	})
}

func TestParseID_HostileInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE filings;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSessionID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAllIDTypes_ConsistentBehavior(t *testing.T) {
	validUUID := uuid.New().String()

	t.Run("all accept valid UUID", func(t *testing.T) {
		_, errFiling := ParseFilingID(validUUID)
		_, errSession := ParseSessionID(validUUID)
		_, errAccount := ParseAccountID(validUUID)
		_, errSubmission := ParseSubmissionID(validUUID)

		require.NoError(t, errFiling)
		require.NoError(t, errSession)
		require.NoError(t, errAccount)
		require.NoError(t, errSubmission)
	})

	for _, input := range []string{"", "invalid", uuid.Nil.String()} {
		t.Run("all reject: "+input, func(t *testing.T) {
			_, errFiling := ParseFilingID(input)
			_, errSession := ParseSessionID(input)
			_, errAccount := ParseAccountID(input)
			_, errSubmission := ParseSubmissionID(input)

			require.Error(t, errFiling)
			require.Error(t, errSession)
			require.Error(t, errAccount)
			require.Error(t, errSubmission)
		})
	}
}

func TestParseTaxpayerID(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		id, err := ParseTaxpayerID("  abcde1234f ")
		require.NoError(t, err)
		assert.Equal(t, TaxpayerID("ABCDE1234F"), id)
		assert.Equal(t, "ABC*****4F", id.Masked())
	})

	for _, input := range []string{"", "ABCDE12345", "ABCD1234FG", "ABCDE1234FF"} {
		t.Run("rejects "+input, func(t *testing.T) {
			_, err := ParseTaxpayerID(input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestParseAssessmentYear(t *testing.T) {
	ay, err := ParseAssessmentYear("2024-25")
	require.NoError(t, err)
	assert.Equal(t, 2024, ay.StartYear())
	assert.True(t, AssessmentYear("2023-24").IsBefore(ay))
	assert.Equal(t, AssessmentYear("2099-00"), AssessmentYearFor(2098))

	for _, input := range []string{"", "2024", "2024-26", "1999-00", "abcd-ef"} {
		t.Run("rejects "+input, func(t *testing.T) {
			_, err := ParseAssessmentYear(input)
			require.Error(t, err)
		})
	}
}

func TestIDs_JSONRoundTrip(t *testing.T) {
	type envelope struct {
		Filing     FilingID
		Session    SessionID
		Account    AccountID
		Submission SubmissionID
	}
	in := envelope{Filing: NewFilingID(), Session: NewSessionID(), Account: NewAccountID()}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"Filing":"`+in.Filing.String()+`"`)

	var out envelope
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
	assert.True(t, out.Submission.IsNil())

	t.Run("rejects malformed IDs", func(t *testing.T) {
		var e envelope
		err := json.Unmarshal([]byte(`{"Filing":"not-a-uuid"}`), &e)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	err := New(ErrCodeTrustViolation, "signature missing", nil)

	assert.Equal(t, CategoryTrust, err.Category)
	assert.Equal(t, SeverityError, err.Severity)
	assert.False(t, err.Retryable)
}

func TestNew_RetryableNetworkCodes(t *testing.T) {
	err := New(ErrCodeFetchFailed, "blob fetch timed out", nil)

	assert.Equal(t, CategoryNetwork, err.Category)
	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(err))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeIO, nil))
}

func TestUnwrap_PreservesChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrCodeIO, cause)

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestGetCode_ThroughWrappedChain(t *testing.T) {
	inner := TrustViolation("signature", "no signature referrer")
	outer := fmt.Errorf("fetch oci://r/p/pkt: %w", inner)

	assert.Equal(t, ErrCodeTrustViolation, GetCode(outer))
	assert.Equal(t, "signature", GetDetail(outer, "component"))
}

func TestExitCode_Contract(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", Usage("missing argument"), ExitUsage},
		{"policy", PolicyDeny("allowed_sources", "source not allowlisted"), ExitPolicyDeny},
		{"trust", TrustViolation("signature", "invalid"), ExitTrust},
		{"lock", LockMismatch("docs.jsonl"), ExitLock},
		{"plain", stderrors.New("boom"), ExitUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestFormat_IncludesRule(t *testing.T) {
	var buf bytes.Buffer
	Format(&buf, PolicyDeny("min_trust_score", "trust score below threshold"))

	out := buf.String()
	assert.Contains(t, out, ErrCodePolicyDeny)
	assert.Contains(t, out, "rule: min_trust_score")
}

func TestFormatJSON_Envelope(t *testing.T) {
	var buf bytes.Buffer
	FormatJSON(&buf, TrustViolation("sbom", "sbom invalid"))

	out := buf.String()
	assert.Contains(t, out, `"ok":false`)
	assert.Contains(t, out, ErrCodeTrustViolation)
	assert.Contains(t, out, `"component":"sbom"`)
}

package domain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePaymentId_RejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"deadbeef",              // too short
		"0123456789abcdef00",    // too long
		"0123456789abcdeg",      // non-hex
		"not-valid-hex-string!!",
	}
	for _, s := range cases {
		_, err := ParsePaymentId(s)
		require.ErrorIs(t, err, ErrInvalidPid, "input %q", s)
	}
}

func TestParsePaymentId_CaseInsensitive(t *testing.T) {
	lower := "abcdefab12345678"
	upper := strings.ToUpper(lower)

	a, err := ParsePaymentId(lower)
	require.NoError(t, err)
	b, err := ParsePaymentId(upper)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, lower, a.Hex())
}

func TestGeneratePaymentId_ProducesValidHex(t *testing.T) {
	pid, err := GeneratePaymentId(SystemRand())
	require.NoError(t, err)

	hex := pid.Hex()
	require.Len(t, hex, PidLength)

	_, err = ParsePaymentId(hex)
	require.NoError(t, err)
}

func TestPaymentIdFromBytes_RoundTrips(t *testing.T) {
	pid, err := ParsePaymentId("0123456789abcdef")
	require.NoError(t, err)

	rebuilt, err := PaymentIdFromBytes(pid.Bytes())
	require.NoError(t, err)
	require.Equal(t, pid, rebuilt)

	_, err = PaymentIdFromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidPid)
}

func TestParseServiceToken_RejectsBadInput(t *testing.T) {
	_, err := ParseServiceToken("abc")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseServiceToken(strings.Repeat("g", TokenHexLength))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceTokenFromBytes_RoundTrips(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, 32)
	tok, err := ServiceTokenFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, raw, tok.Bytes())
}

package wire

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncodeRequest_RoundTrip verifies that an encoded request header parses
// back into the fields it was built from and is exactly 64 bytes wide.
func TestEncodeRequest_RoundTrip(t *testing.T) {
	payload := []byte("hello append world")

	msg, err := EncodeRequest(CmdWrite, 12345, 3, payload)
	require.NoError(t, err)
	require.Len(t, msg, RequestHeaderLen+len(payload))

	header := msg[:RequestHeaderLen]
	require.True(t, ValidateRequest(header))

	cmd, txnID, seqNum, contentLen, err := ParseRequest(header)
	require.NoError(t, err)
	require.Equal(t, CmdWrite, cmd)
	require.Equal(t, int64(12345), txnID)
	require.Equal(t, int64(3), seqNum)
	require.Equal(t, len(payload), contentLen)
	require.Equal(t, payload, msg[RequestHeaderLen:])
}

// TestEncodeResponse_RoundTrip verifies the five-field response header,
// including the error code position between sequence number and content
// length.
func TestEncodeResponse_RoundTrip(t *testing.T) {
	body := []byte(ErrorMessage(CodeInvalidTransactionID))

	msg, err := EncodeResponse(CmdError, DefaultTxnID, ErrorSeqNum, CodeInvalidTransactionID, body)
	require.NoError(t, err)
	require.Len(t, msg, ResponseHeaderLen+len(body))

	header := msg[:ResponseHeaderLen]
	require.True(t, ValidateResponse(header))

	cmd, txnID, seqNum, errCode, contentLen, err := ParseResponse(header)
	require.NoError(t, err)
	require.Equal(t, CmdError, cmd)
	require.Equal(t, DefaultTxnID, txnID)
	require.Equal(t, ErrorSeqNum, seqNum)
	require.Equal(t, CodeInvalidTransactionID, errCode)
	require.Equal(t, len(body), contentLen)
}

// TestEncode_Padding checks the padding layout: a single delimiter after the
// last field, then '0' bytes out to the fixed width.
func TestEncode_Padding(t *testing.T) {
	msg, err := EncodeRequest(CmdNewTxn, DefaultTxnID, InitialSeqNum, []byte("a.txt"))
	require.NoError(t, err)

	header := string(msg[:RequestHeaderLen])
	require.True(t, strings.HasPrefix(header, "NEW_TXN -1 0 5 "))
	require.Equal(t, strings.Repeat(string(Padding), RequestHeaderLen-len("NEW_TXN -1 0 5 ")), header[len("NEW_TXN -1 0 5 "):])
}

// TestEncode_Overflow rejects headers whose fields alone exceed the fixed
// width instead of silently truncating them.
func TestEncode_Overflow(t *testing.T) {
	longCmd := strings.Repeat("A", RequestHeaderLen)

	_, err := EncodeRequest(longCmd, 0, 0, nil)
	require.ErrorIs(t, err, ErrHeaderOverflow)
}

// TestValidateRequest_Malformed walks the rejection cases: wrong width,
// lowercase command, missing fields, stray characters in numeric fields, and
// padding with anything other than '0'.
func TestValidateRequest_Malformed(t *testing.T) {
	pad := func(s string) []byte {
		b := []byte(s)
		for len(b) < RequestHeaderLen {
			b = append(b, Padding)
		}
		return b
	}

	cases := []struct {
		name   string
		header []byte
	}{
		{"short header", []byte("WRITE 1 1 4 ")},
		{"long header", append(pad("WRITE 1 1 4 "), Padding)},
		{"lowercase command", pad("write 1 1 4 ")},
		{"missing content length", pad("WRITE 1 1 ")},
		{"alpha transaction id", pad("WRITE x 1 4 ")},
		{"negative content length", pad("WRITE 1 1 -4 ")},
		{"non-zero padding", []byte("WRITE 1 1 4 " + strings.Repeat("1", RequestHeaderLen-len("WRITE 1 1 4 ")))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.False(t, ValidateRequest(tc.header))

			_, _, _, _, err := ParseRequest(tc.header)
			require.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

// TestParseRequest_NegativeIDs accepts the sentinel values used by
// unbound requests: txn id -1 and seq num -1.
func TestParseRequest_NegativeIDs(t *testing.T) {
	msg, err := EncodeRequest(CmdRead, DefaultTxnID, ErrorSeqNum, []byte("f"))
	require.NoError(t, err)

	cmd, txnID, seqNum, contentLen, err := ParseRequest(msg[:RequestHeaderLen])
	require.NoError(t, err)
	require.Equal(t, CmdRead, cmd)
	require.Equal(t, int64(-1), txnID)
	require.Equal(t, int64(-1), seqNum)
	require.Equal(t, 1, contentLen)
}

// TestErrorMessage_Table spot-checks the code-to-message table against the
// client-visible strings.
func TestErrorMessage_Table(t *testing.T) {
	require.Equal(t, "InvalidMessageFormat", ErrorMessage(CodeInvalidMessageFormat))
	require.Equal(t, "New transactions must start with sequence number 0", ErrorMessage(CodeInvalidSequenceNumber))
	require.Equal(t, "Requested commit with sequence number less than maximum sequence number received", ErrorMessage(CodeCommitWithInvalidSequenceNumber))
	require.Equal(t, "", ErrorMessage(0))
}

// TestProtocolError_Is confirms that wrapped ProtocolError values still match
// their shared sentinel with errors.Is.
func TestProtocolError_Is(t *testing.T) {
	require.EqualError(t, ErrTransactionAborted, "TransactionAborted")
	require.ErrorIs(t, fmt.Errorf("abort: %w", ErrInvalidOperation), ErrInvalidOperation)
}

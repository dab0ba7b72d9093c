package sieve

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCapabilities = `"IMPLEMENTATION" "X"` + "\r\n" +
	`"STARTTLS"` + "\r\n" +
	`"SASL" "PLAIN LOGIN"` + "\r\n" +
	"OK\r\n"

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		status  Status
		codes   []string
		message string
	}{
		{"bare ok", "OK\r\n", StatusOK, nil, ""},
		{"ok with message", "OK \"Logged in\"\r\n", StatusOK, nil, "Logged in"},
		{"lowercase status", "ok\r\n", StatusOK, nil, ""},
		{"no with code", "NO (QUOTA/MAXSIZE) \"Too big\"\r\n", StatusNO, []string{"QUOTA/MAXSIZE"}, "Too big"},
		{"code with string", "OK (SASL \"cnNwYXV0aD1lYTQw\")\r\n", StatusOK, []string{"SASL", `"cnNwYXV0aD1lYTQw"`}, ""},
		{"bye literal", "BYE (TRYLATER) {4}\r\nbusy\r\n", StatusBYE, []string{"TRYLATER"}, "busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.codes, resp.Codes)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestParseResponseErrors(t *testing.T) {
	for _, input := range []string{
		"MAYBE\r\n",
		"OK",
		"OK \"unterminated\r\n",
		"NO (TRYLATER \"x\"\r\n",
		"OK\r\nextra",
	} {
		_, err := ParseResponse([]byte(input))
		assert.ErrorIs(t, err, ErrProtocol, "input %q", input)
	}
}

func TestResponseErr(t *testing.T) {
	ok := &Response{Status: StatusOK}
	assert.NoError(t, ok.Err("NOOP"))

	no := &Response{Status: StatusNO, Codes: []string{"AUTH-TOO-WEAK"}, Message: "Denied"}
	err := no.Err("AUTHENTICATE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "AUTHENTICATE", cmdErr.Command)
	assert.Equal(t, `sieve: AUTHENTICATE failed: NO (AUTH-TOO-WEAK) "Denied"`, err.Error())
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]byte(sampleCapabilities))
	require.NoError(t, err)

	assert.Equal(t, []string{`"IMPLEMENTATION"`, `"STARTTLS"`, `"SASL"`}, caps.Keys())
	assert.True(t, caps.Has("starttls"))
	assert.True(t, caps.Has("SASL"))
	assert.False(t, caps.Has("SIEVE"))

	v, ok := caps.Get("implementation")
	require.True(t, ok)
	assert.Equal(t, `"X"`, string(v))

	v, ok = caps.Get("STARTTLS")
	require.True(t, ok)
	assert.Empty(t, v)

	assert.Equal(t, []string{"PLAIN", "LOGIN"}, caps.SASLMechanisms())
	assert.True(t, caps.HasSASL("plain"))
	assert.False(t, caps.HasSASL("XOAUTH2"))
}

func TestParseCapabilitiesUppercasesKeys(t *testing.T) {
	caps, err := ParseCapabilities([]byte("\"implementation\" \"x\"\r\n\"Sasl\" \"\"\r\nOK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{`"IMPLEMENTATION"`, `"SASL"`}, caps.Keys())
	assert.Empty(t, caps.SASLMechanisms())
}

func TestParseCapabilitiesLiteralKeys(t *testing.T) {
	input := "\"IMPLEMENTATION\" \"X\"\r\n" +
		"{8}\r\nstarttls\r\n" +
		"{4+}\r\nSASL \"PLAIN\"\r\n" +
		"OK\r\n"
	caps, err := ParseCapabilities([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, []string{`"IMPLEMENTATION"`, `"STARTTLS"`, `"SASL"`}, caps.Keys())
	assert.True(t, caps.Has("STARTTLS"))
	assert.True(t, caps.HasSASL("PLAIN"))

	want := `"IMPLEMENTATION" "X"` + "\r\n" + `"SASL" "PLAIN"` + "\r\n" + "OK\r\n"
	assert.Equal(t, want, string(caps.Encode(true)))
}

func TestParseCapabilitiesErrors(t *testing.T) {
	_, err := ParseCapabilities([]byte("\"SASL\" \"PLAIN\"\r\nOK\r\n"))
	assert.ErrorIs(t, err, ErrNoImplementation)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseCapabilities([]byte("\"IMPLEMENTATION\" \"X\"\r\nNO \"go away\"\r\n"))
	assert.ErrorIs(t, err, ErrCommandFailed)

	_, err = ParseCapabilities([]byte("\"IMPLEMENTATION\" \"X\"\r\n"))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseCapabilities([]byte("\"IMPLEMENTATION\" atom\r\nOK\r\n"))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestCapabilitiesEncode(t *testing.T) {
	caps, err := ParseCapabilities([]byte(sampleCapabilities))
	require.NoError(t, err)

	t.Run("before authentication", func(t *testing.T) {
		want := `"IMPLEMENTATION" "X"` + "\r\n" + `"SASL" "PLAIN"` + "\r\n" + "OK\r\n"
		assert.Equal(t, want, string(caps.Encode(true)))
	})

	t.Run("after authentication", func(t *testing.T) {
		want := `"IMPLEMENTATION" "X"` + "\r\n" + `"SASL" ""` + "\r\n" + "OK\r\n"
		assert.Equal(t, want, string(caps.Encode(false)))
	})
}

func TestCapabilitiesEncodeKeepsOrderAndValues(t *testing.T) {
	input := `"IMPLEMENTATION" "Dovecot Pigeonhole"` + "\r\n" +
		`"SIEVE" "fileinto reject envelope"` + "\r\n" +
		`"NOTIFY" "mailto"` + "\r\n" +
		`"SASL" "PLAIN OTHER"` + "\r\n" +
		`"STARTTLS"` + "\r\n" +
		`"VERSION" "1.0"` + "\r\n" +
		`"UNAUTHENTICATE"` + "\r\n" +
		"OK \"Ready.\"\r\n"
	caps, err := ParseCapabilities([]byte(input))
	require.NoError(t, err)

	want := `"IMPLEMENTATION" "Dovecot Pigeonhole"` + "\r\n" +
		`"SIEVE" "fileinto reject envelope"` + "\r\n" +
		`"NOTIFY" "mailto"` + "\r\n" +
		`"SASL" ""` + "\r\n" +
		`"VERSION" "1.0"` + "\r\n" +
		`"UNAUTHENTICATE"` + "\r\n" +
		"OK\r\n"
	assert.Equal(t, want, string(caps.Encode(false)))

	reparsed, err := ParseCapabilities(caps.Encode(false))
	require.NoError(t, err)
	assert.False(t, reparsed.Has("STARTTLS"))
}

package sieve

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocol is returned for server output that violates RFC 5804.
	ErrProtocol = errors.New("sieve: protocol error")
	// ErrNoImplementation is returned for a capability block without "IMPLEMENTATION".
	ErrNoImplementation = fmt.Errorf("%w: capability block lacks IMPLEMENTATION", ErrProtocol)
	// ErrPlainUnsupported is returned when the server does not offer SASL PLAIN.
	ErrPlainUnsupported = errors.New("sieve: server does not offer SASL PLAIN")
	// ErrStartTLSUnsupported is returned when the server does not offer STARTTLS.
	ErrStartTLSUnsupported = errors.New("sieve: server does not offer STARTTLS")
	// ErrCommandFailed is matched by every CommandError.
	ErrCommandFailed = errors.New("sieve: command failed")
)

// Status is the first token of a ManageSieve response line.
type Status string

const (
	StatusOK  Status = "OK"
	StatusNO  Status = "NO"
	StatusBYE Status = "BYE"
)

// Response is a tagged completion line: status, optional response codes
// and an optional human readable message.
type Response struct {
	Status  Status
	Codes   []string
	Message string
}

// Decode parses `status [SP "(" code *(SP code) ")"] [SP string] CRLF`.
func (r *Response) Decode(p *Parser) error {
	status, err := p.Extract("OK", "NO", "BYE")
	if err != nil {
		return err
	}
	r.Status = Status(bytes.ToUpper(status))
	r.Codes = nil
	r.Message = ""

	if p.IsSpace() {
		if err := p.ExtractSpace(); err != nil {
			return err
		}
		if p.StartsWith("(") {
			if err := r.decodeCodes(p); err != nil {
				return err
			}
			if p.IsSpace() {
				if err := p.ExtractSpace(); err != nil {
					return err
				}
			}
		}
		if p.IsString() {
			raw, err := p.ExtractString()
			if err != nil {
				return err
			}
			if r.Message, err = Unquote(raw); err != nil {
				return err
			}
		}
	}
	return p.ExtractLineBreak()
}

func (r *Response) decodeCodes(p *Parser) error {
	if _, err := p.Extract("("); err != nil {
		return err
	}
	for {
		var (
			tok []byte
			err error
		)
		if p.IsString() {
			tok, err = p.ExtractString()
		} else {
			tok, err = p.ExtractAtom()
		}
		if err != nil {
			return err
		}
		r.Codes = append(r.Codes, string(tok))

		if p.StartsWith(")") {
			p.pos++
			return nil
		}
		if err := p.ExtractSpace(); err != nil {
			return err
		}
	}
}

// Err returns nil for OK and a *CommandError otherwise.
func (r *Response) Err(command string) error {
	if r.Status == StatusOK {
		return nil
	}
	return &CommandError{Command: command, Response: *r}
}

// ParseResponse decodes a single response line. Trailing bytes are an error.
func ParseResponse(data []byte) (*Response, error) {
	p := NewParser(data)
	r := &Response{}
	if err := r.Decode(p); err != nil {
		return nil, err
	}
	if !p.Empty() {
		return nil, p.errorf("trailing data after response")
	}
	return r, nil
}

// CommandError reports a NO or BYE answer to a command.
type CommandError struct {
	Command  string
	Response Response
}

func (e *CommandError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sieve: %s failed: %s", e.Command, e.Response.Status)
	if len(e.Response.Codes) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(e.Response.Codes, " "))
	}
	if e.Response.Message != "" {
		fmt.Fprintf(&sb, " %q", e.Response.Message)
	}
	return sb.String()
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Capabilities is an insertion ordered set of capability lines keyed by the
// upper-cased, still quoted capability name.
type Capabilities struct {
	keys   []string
	values map[string][]byte
}

// Decode parses capability lines followed by the terminating response. The
// response is returned; a non-OK response is an error.
func (c *Capabilities) Decode(p *Parser) (*Response, error) {
	c.keys = nil
	c.values = make(map[string][]byte)

	for p.IsString() {
		rawKey, err := p.ExtractString()
		if err != nil {
			return nil, err
		}
		var value []byte
		if p.IsSpace() {
			if err := p.ExtractSpace(); err != nil {
				return nil, err
			}
			if value, err = p.ExtractString(); err != nil {
				return nil, err
			}
		}
		if err := p.ExtractLineBreak(); err != nil {
			return nil, err
		}
		key, err := capabilityKey(rawKey)
		if err != nil {
			return nil, err
		}
		c.set(key, value)
	}

	resp := &Response{}
	if err := resp.Decode(p); err != nil {
		return nil, err
	}
	if err := resp.Err("CAPABILITY"); err != nil {
		return resp, err
	}
	if !c.Has("IMPLEMENTATION") {
		return resp, ErrNoImplementation
	}
	return resp, nil
}

// capabilityKey upper-cases a raw capability name. Literal names are
// re-encoded as quoted strings so lookups and rewriting see one form.
func capabilityKey(raw []byte) (string, error) {
	if !NewParser(raw).IsLiteral() {
		return string(bytes.ToUpper(raw)), nil
	}
	name, err := Unquote(raw)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(name, "\r\n") {
		return string(bytes.ToUpper(raw)), nil
	}
	return Quote(strings.ToUpper(name)), nil
}

func (c *Capabilities) set(key string, value []byte) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// ParseCapabilities decodes a complete capability block.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	p := NewParser(data)
	c := &Capabilities{}
	if _, err := c.Decode(p); err != nil {
		return nil, err
	}
	if !p.Empty() {
		return nil, p.errorf("trailing data after capabilities")
	}
	return c, nil
}

func quotedKey(name string) string {
	return `"` + strings.ToUpper(name) + `"`
}

// Has reports whether the capability name (unquoted, any case) is present.
func (c *Capabilities) Has(name string) bool {
	_, ok := c.values[quotedKey(name)]
	return ok
}

// Get returns the raw value of a capability, quotes included.
func (c *Capabilities) Get(name string) ([]byte, bool) {
	v, ok := c.values[quotedKey(name)]
	return v, ok
}

// Keys returns the quoted capability names in the order received.
func (c *Capabilities) Keys() []string {
	return append([]string(nil), c.keys...)
}

// SASLMechanisms returns the mechanisms listed by the "SASL" capability.
func (c *Capabilities) SASLMechanisms() []string {
	raw, ok := c.Get("SASL")
	if !ok || len(raw) == 0 {
		return nil
	}
	v, err := Unquote(raw)
	if err != nil {
		return nil
	}
	return strings.Fields(strings.ToUpper(v))
}

// HasSASL reports whether mech is among the advertised SASL mechanisms.
func (c *Capabilities) HasSASL(mech string) bool {
	for _, m := range c.SASLMechanisms() {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Encode renders the block for the browser. STARTTLS is removed and SASL is
// narrowed to PLAIN, or emptied once the bridge has authenticated.
func (c *Capabilities) Encode(authAdvertised bool) []byte {
	var buf bytes.Buffer
	for _, key := range c.keys {
		switch key {
		case `"STARTTLS"`:
			continue
		case `"SASL"`:
			if authAdvertised {
				buf.WriteString(`"SASL" "PLAIN"` + "\r\n")
			} else {
				buf.WriteString(`"SASL" ""` + "\r\n")
			}
			continue
		}
		buf.WriteString(key)
		if v := c.values[key]; len(v) > 0 {
			buf.WriteByte(' ')
			buf.Write(v)
		}
		buf.WriteString("\r\n")
	}
	buf.WriteString("OK\r\n")
	return buf.Bytes()
}

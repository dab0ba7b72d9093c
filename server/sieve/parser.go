package sieve

import (
	"bytes"
	"fmt"
	"strconv"
)

// Parser walks a buffer of ManageSieve server output. It never copies the
// underlying data; extracted tokens alias the input buffer.
type Parser struct {
	data []byte
	pos  int
}

// NewParser returns a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Remaining returns the unread part of the buffer.
func (p *Parser) Remaining() []byte {
	return p.data[p.pos:]
}

// Empty reports whether every byte has been consumed.
func (p *Parser) Empty() bool {
	return p.pos >= len(p.data)
}

func (p *Parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrProtocol, fmt.Sprintf(format, args...), p.pos)
}

// StartsWith reports whether the unread data begins with token. The
// comparison is case-insensitive.
func (p *Parser) StartsWith(token string) bool {
	rest := p.Remaining()
	if len(rest) < len(token) {
		return false
	}
	return bytes.EqualFold(rest[:len(token)], []byte(token))
}

// IsLineBreak reports whether the next bytes are CRLF.
func (p *Parser) IsLineBreak() bool {
	return p.StartsWith("\r\n")
}

// ExtractLineBreak consumes a CRLF.
func (p *Parser) ExtractLineBreak() error {
	if !p.IsLineBreak() {
		return p.errorf("expected line break")
	}
	p.pos += 2
	return nil
}

// IsSpace reports whether the next byte is a space.
func (p *Parser) IsSpace() bool {
	return p.StartsWith(" ")
}

// ExtractSpace consumes a single space.
func (p *Parser) ExtractSpace() error {
	if !p.IsSpace() {
		return p.errorf("expected space")
	}
	p.pos++
	return nil
}

// IsQuoted reports whether a quoted string starts here.
func (p *Parser) IsQuoted() bool {
	return p.StartsWith(`"`)
}

// IsLiteral reports whether a literal string starts here.
func (p *Parser) IsLiteral() bool {
	return p.StartsWith("{")
}

// IsString reports whether a quoted or literal string starts here.
func (p *Parser) IsString() bool {
	return p.IsQuoted() || p.IsLiteral()
}

// Extract consumes the first of tokens the unread data starts with and
// returns the matched bytes.
func (p *Parser) Extract(tokens ...string) ([]byte, error) {
	for _, tok := range tokens {
		if p.StartsWith(tok) {
			out := p.data[p.pos : p.pos+len(tok)]
			p.pos += len(tok)
			return out, nil
		}
	}
	return nil, p.errorf("expected one of %q", tokens)
}

// ExtractString consumes a quoted or literal string and returns its raw
// bytes, delimiters and literal header included.
func (p *Parser) ExtractString() ([]byte, error) {
	start := p.pos
	switch {
	case p.IsQuoted():
		if _, err := p.ExtractQuoted(); err != nil {
			return nil, err
		}
	case p.IsLiteral():
		if _, err := p.ExtractLiteral(); err != nil {
			return nil, err
		}
	default:
		return nil, p.errorf("expected string")
	}
	return p.data[start:p.pos], nil
}

// ExtractQuoted consumes a quoted string and returns the bytes between the
// quotes, still escaped. A quote preceded by an odd number of backslashes
// is part of the content.
func (p *Parser) ExtractQuoted() ([]byte, error) {
	if !p.IsQuoted() {
		return nil, p.errorf("expected quoted string")
	}
	start := p.pos + 1
	for i := start; i < len(p.data); i++ {
		switch p.data[i] {
		case '\r', '\n':
			return nil, p.errorf("line break inside quoted string")
		case '"':
			backslashes := 0
			for j := i - 1; j >= start && p.data[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 1 {
				continue
			}
			p.pos = i + 1
			return p.data[start:i], nil
		}
	}
	return nil, p.errorf("unterminated quoted string")
}

// ExtractLiteral consumes a literal of the form {n}CRLF or {n+}CRLF followed
// by n octets and returns the octets.
func (p *Parser) ExtractLiteral() ([]byte, error) {
	if !p.IsLiteral() {
		return nil, p.errorf("expected literal")
	}
	rest := p.Remaining()
	end := bytes.IndexByte(rest, '}')
	if end < 0 {
		return nil, p.errorf("unterminated literal header")
	}
	count := rest[1:end]
	count = bytes.TrimSuffix(count, []byte("+"))
	n, err := strconv.Atoi(string(count))
	if err != nil || n < 0 {
		return nil, p.errorf("invalid literal length %q", rest[1:end])
	}
	body := end + 1
	if !bytes.HasPrefix(rest[body:], []byte("\r\n")) {
		return nil, p.errorf("literal header not followed by line break")
	}
	body += 2
	if len(rest)-body < n {
		return nil, p.errorf("literal truncated: want %d octets, have %d", n, len(rest)-body)
	}
	p.pos += body + n
	return rest[body : body+n], nil
}

// ExtractAtom consumes a run of atom characters.
func (p *Parser) ExtractAtom() ([]byte, error) {
	start := p.pos
	for p.pos < len(p.data) && isAtomChar(p.data[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, p.errorf("expected atom")
	}
	return p.data[start:p.pos], nil
}

func isAtomChar(c byte) bool {
	switch c {
	case ' ', '(', ')', '"', '{', '\r', '\n':
		return false
	}
	return c > 0x1f && c != 0x7f
}

// Unquote decodes a raw string as returned by ExtractString.
func Unquote(raw []byte) (string, error) {
	p := NewParser(raw)
	if p.IsLiteral() {
		b, err := p.ExtractLiteral()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := p.ExtractQuoted()
	if err != nil {
		return "", err
	}
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' && i+1 < len(b) {
			i++
		}
		out = append(out, b[i])
	}
	return string(out), nil
}

// Quote encodes s as a quoted string.
func Quote(s string) string {
	var buf bytes.Buffer
	buf.Grow(len(s) + 2)
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	buf.WriteByte('"')
	return buf.String()
}

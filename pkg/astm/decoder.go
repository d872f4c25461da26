package astm

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultCharset is the encoding assumed when none is configured.
const DefaultCharset = "utf-8"

// Message is the outcome of decoding one transmission.
type Message struct {
	// Wire is the transmission as received, before any character decoding.
	// It aliases the slice passed to Decode.
	Wire []byte
	// Charset names the encoding Raw was decoded from.
	Charset string
	// Raw is the decoded text, before line splitting.
	Raw string
	// Result holds the fields extracted from every recognised record.
	Result Result
	// Records counts the non-empty lines fed to the parser.
	Records int
}

// Decoder turns a raw transmission into a Message. It never fails on content:
// undecodable bytes and malformed records only reduce what is extracted.
type Decoder struct {
	charset string
	enc     encoding.Encoding
	now     func() time.Time
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder) error

// WithClock overrides the clock used to derive patient age.
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		d.now = now
		return nil
	}
}

// WithCharset selects the byte encoding instruments transmit in, using WHATWG
// labels such as "windows-1252" or "iso-8859-1".
func WithCharset(name string) DecoderOption {
	return func(d *Decoder) error {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "utf-8" || name == "utf8" {
			d.charset, d.enc = DefaultCharset, nil
			return nil
		}
		enc, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("charset %q: %w", name, err)
		}
		d.charset, d.enc = name, enc
		return nil
	}
}

// NewDecoder constructs a decoder. Defaults are UTF-8 and the system clock.
func NewDecoder(opts ...DecoderOption) (*Decoder, error) {
	d := &Decoder{charset: DefaultCharset, now: time.Now}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Charset returns the configured encoding label.
func (d *Decoder) Charset() string { return d.charset }

// Decode converts raw bytes into text, splits it into records on carriage
// returns and folds them in arrival order. Empty input yields an empty Message.
func (d *Decoder) Decode(raw []byte) Message {
	text := d.text(raw)
	msg := Message{Wire: raw, Charset: d.charset, Raw: text}
	now := d.now()
	for _, line := range Lines(text) {
		msg.Result.ApplyLine(line, now)
		msg.Records++
	}
	return msg
}

func (d *Decoder) text(raw []byte) string {
	if d.enc != nil {
		if out, err := d.enc.NewDecoder().Bytes(raw); err == nil {
			return string(out)
		}
	}
	// Invalid sequences are dropped rather than replaced.
	return strings.ToValidUTF8(string(raw), "")
}

// Lines splits text on the record separator, trimming stray line feeds left
// by CRLF senders and discarding empty lines.
func Lines(text string) []string {
	parts := strings.Split(text, string(RecordSeparator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "\n")
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Package cxml builds and parses voice-control markup documents: a Response root
// holding an ordered sequence of verbs.
package cxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud-pbx/internal/apperr"
)

// ContentType is the media type of a rendered document.
const ContentType = "application/xml; charset=utf-8"

// ErrProtocolGeneration is returned when a document cannot be rendered. No partial
// output accompanies it.
var ErrProtocolGeneration = errors.New("cxml: protocol generation failed")

func init() {
	apperr.Register(ErrProtocolGeneration, apperr.KindUnexpected)
}

// Verbs is an ordered verb list.
type Verbs []Verb

// Document is the Response root.
type Document struct {
	Verbs Verbs
}

func New(verbs ...Verb) *Document {
	return &Document{Verbs: verbs}
}

// Append adds verbs in order and returns the document for chaining.
func (d *Document) Append(verbs ...Verb) *Document {
	d.Verbs = append(d.Verbs, verbs...)
	return d
}

// Prepend inserts verbs ahead of the existing ones.
func (d *Document) Prepend(verbs ...Verb) *Document {
	d.Verbs = append(append(Verbs{}, verbs...), d.Verbs...)
	return d
}

// SayHangup is the terminal "speak then hang up" document used for rejections
// and unavailable destinations.
func SayHangup(message string) *Document {
	return New(&Say{Text: message}, &Hangup{})
}

// Render serializes the document. Any failure is reported as ErrProtocolGeneration.
func (d *Document) Render() ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil document", ErrProtocolGeneration)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolGeneration, err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolGeneration, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolGeneration, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Parse decodes a rendered document. Unknown verbs are rejected.
func Parse(b []byte) (*Document, error) {
	var d Document
	if err := xml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("cxml: parse: %w", err)
	}
	return &d, nil
}

func (d *Document) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start = xml.StartElement{Name: xml.Name{Local: "Response"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := d.Verbs.encode(e); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func (d *Document) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	if start.Name.Local != "Response" {
		return fmt.Errorf("unexpected root element %q", start.Name.Local)
	}
	verbs, err := decodeVerbs(dec, topLevelVerb)
	if err != nil {
		return err
	}
	d.Verbs = verbs
	return nil
}

func (vs Verbs) encode(e *xml.Encoder) error {
	for _, v := range vs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func topLevelVerb(name string) Verb {
	switch name {
	case "Say":
		return &Say{}
	case "Play":
		return &Play{}
	case "Hangup":
		return &Hangup{}
	case "Redirect":
		return &Redirect{}
	case "Voicemail":
		return &Voicemail{}
	case "Dial":
		return &Dial{}
	case "Gather":
		return &Gather{}
	}
	return nil
}

func gatherVerb(name string) Verb {
	switch name {
	case "Say":
		return &Say{}
	case "Play":
		return &Play{}
	}
	return nil
}

// decodeVerbs reads child elements until the enclosing end element.
func decodeVerbs(d *xml.Decoder, factory func(string) Verb) (Verbs, error) {
	var out Verbs
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v := factory(t.Name.Local)
			if v == nil {
				return nil, fmt.Errorf("unexpected element %q", t.Name.Local)
			}
			if err := d.DecodeElement(v, &t); err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			return out, nil
		}
	}
}

func (d *Document) validate() error {
	for i, v := range d.Verbs {
		if err := validateVerb(v, false); err != nil {
			return fmt.Errorf("verb %d: %w", i, err)
		}
	}
	return nil
}

func validateVerb(v Verb, nested bool) error {
	switch t := v.(type) {
	case nil:
		return errors.New("nil verb")
	case *Say:
		if t == nil || strings.TrimSpace(t.Text) == "" {
			return errors.New("say requires text")
		}
	case *Play:
		if t == nil || strings.TrimSpace(t.URL) == "" {
			return errors.New("play requires url")
		}
	case *Hangup:
		if nested {
			return errors.New("hangup cannot be nested")
		}
	case *Redirect:
		if nested || t == nil || strings.TrimSpace(t.URL) == "" {
			return errors.New("redirect requires url")
		}
	case *Voicemail:
		if nested || t == nil || t.Mailbox == "" {
			return errors.New("voicemail requires mailbox")
		}
	case *Dial:
		if nested || t == nil {
			return errors.New("dial cannot be nested")
		}
		if t.Conference != nil {
			if t.Targets() > 0 {
				return errors.New("dial cannot mix conference and targets")
			}
			if strings.TrimSpace(t.Conference.Room) == "" {
				return errors.New("conference requires room")
			}
		} else if t.Targets() == 0 {
			return errors.New("dial requires at least one target")
		}
	case *Gather:
		if nested || t == nil {
			return errors.New("gather cannot be nested")
		}
		if t.MinDigits > 0 && t.NumDigits > 0 && t.MinDigits > t.NumDigits {
			return errors.New("gather min digits exceeds max digits")
		}
		for _, p := range t.Prompts {
			if err := validateVerb(p, true); err != nil {
				return err
			}
			switch p.(type) {
			case *Say, *Play:
			default:
				return fmt.Errorf("gather cannot contain %s", p.verbName())
			}
		}
	default:
		return fmt.Errorf("unsupported verb %T", v)
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

package cxml

import (
	"encoding/xml"
	"strings"
)

// Verb is one element directly under Response (or nested in Gather).
type Verb interface {
	verbName() string
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Loop     int      `xml:"loop,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Voicemail struct {
	XMLName   xml.Name `xml:"Voicemail"`
	Mailbox   string   `xml:"mailbox,attr"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool     `xml:"playBeep,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
}

// Dial connects the caller to one or more targets, or to a conference room.
type Dial struct {
	XMLName    xml.Name    `xml:"Dial"`
	Timeout    int         `xml:"timeout,attr,omitempty"`
	CallerID   string      `xml:"callerId,attr,omitempty"`
	Action     string      `xml:"action,attr,omitempty"`
	Method     string      `xml:"method,attr,omitempty"`
	Numbers    []Number    `xml:"Number"`
	Sips       []Sip       `xml:"Sip"`
	Clients    []Client    `xml:"Client"`
	Conference *Conference `xml:"Conference,omitempty"`
}

type Number struct {
	Value string `xml:",chardata"`
}

type Sip struct {
	URI string `xml:",chardata"`
}

type Client struct {
	Name string `xml:",chardata"`
}

type Conference struct {
	Muted bool   `xml:"muted,attr,omitempty"`
	Beep  bool   `xml:"beep,attr,omitempty"`
	Room  string `xml:",chardata"`
}

// Gather collects DTMF digits while playing its nested Say/Play prompts.
type Gather struct {
	Action       string
	Method       string
	Timeout      int
	DigitTimeout int
	FinishOnKey  string
	MinDigits    int
	NumDigits    int
	Prompts      Verbs
}

func (*Say) verbName() string       { return "Say" }
func (*Play) verbName() string      { return "Play" }
func (*Hangup) verbName() string    { return "Hangup" }
func (*Redirect) verbName() string  { return "Redirect" }
func (*Voicemail) verbName() string { return "Voicemail" }
func (*Dial) verbName() string      { return "Dial" }
func (*Gather) verbName() string    { return "Gather" }

// TargetKind is how a dial target is serialized.
type TargetKind int

const (
	TargetNumber TargetKind = iota
	TargetSIP
	TargetClient
)

// ClassifyTarget decides whether s is an address-style (sip/client) or a number-style target.
func ClassifyTarget(s string) TargetKind {
	l := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(l, "sip:"), strings.HasPrefix(l, "sips:"), strings.Contains(l, "@"):
		return TargetSIP
	case strings.HasPrefix(l, "client:"):
		return TargetClient
	default:
		return TargetNumber
	}
}

// NewDial builds a Dial with each target classified individually.
func NewDial(timeout int, targets ...string) *Dial {
	d := &Dial{Timeout: timeout}
	for _, t := range targets {
		d.AddTarget(t)
	}
	return d
}

func (d *Dial) AddTarget(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	switch ClassifyTarget(target) {
	case TargetSIP:
		if !strings.HasPrefix(strings.ToLower(target), "sip") {
			target = "sip:" + target
		}
		d.Sips = append(d.Sips, Sip{URI: target})
	case TargetClient:
		d.Clients = append(d.Clients, Client{Name: target[len("client:"):]})
	default:
		d.Numbers = append(d.Numbers, Number{Value: target})
	}
}

// Targets returns the number of dial targets.
func (d *Dial) Targets() int {
	return len(d.Numbers) + len(d.Sips) + len(d.Clients)
}

func (g *Gather) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Gather"}
	start.Attr = nil
	attr := func(name, v string) {
		if v != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: v})
		}
	}
	attr("action", g.Action)
	attr("method", g.Method)
	attr("timeout", itoa(g.Timeout))
	attr("digitTimeout", itoa(g.DigitTimeout))
	attr("finishOnKey", g.FinishOnKey)
	attr("minDigits", itoa(g.MinDigits))
	attr("numDigits", itoa(g.NumDigits))

	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := g.Prompts.encode(e); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func (g *Gather) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		var err error
		switch a.Name.Local {
		case "action":
			g.Action = a.Value
		case "method":
			g.Method = a.Value
		case "timeout":
			g.Timeout, err = atoi(a.Value)
		case "digitTimeout":
			g.DigitTimeout, err = atoi(a.Value)
		case "finishOnKey":
			g.FinishOnKey = a.Value
		case "minDigits":
			g.MinDigits, err = atoi(a.Value)
		case "numDigits":
			g.NumDigits, err = atoi(a.Value)
		}
		if err != nil {
			return err
		}
	}
	verbs, err := decodeVerbs(d, gatherVerb)
	if err != nil {
		return err
	}
	g.Prompts = verbs
	return nil
}

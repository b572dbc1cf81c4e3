package directory

import (
	"errors"
	"fmt"
	"strings"
)

// Directory holds the tenant-owned configuration consulted while routing a call:
// DIDs, their destinations and their sentry rules.
//
// Multi-tenant invariant: every lookup other than LookupDID takes an explicit tenant id.
// There is no implicit tenant scoping.

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrTypeMismatch = errors.New("directory: destination type mismatch")
)

type DestinationType string

const (
	TypeExtension      DestinationType = "extension"
	TypeRingGroup      DestinationType = "ring_group"
	TypeIVRMenu        DestinationType = "ivr_menu"
	TypeConferenceRoom DestinationType = "conference_room"
	TypeAIAgent        DestinationType = "ai_agent"
	TypeForward        DestinationType = "forward"
	TypeQueue          DestinationType = "queue"
	TypeVoicemail      DestinationType = "voicemail"
	TypeHangup         DestinationType = "hangup"
)

func (t DestinationType) Valid() bool {
	switch t {
	case TypeExtension, TypeRingGroup, TypeIVRMenu, TypeConferenceRoom, TypeAIAgent,
		TypeForward, TypeQueue, TypeVoicemail, TypeHangup:
		return true
	}
	return false
}

// Ref points at a destination. ID names a configured record; Target carries the
// inline value for destinations without one (forward target, voicemail mailbox).
type Ref struct {
	Type   DestinationType `json:"type" yaml:"type"`
	ID     string          `json:"id,omitempty" yaml:"id,omitempty"`
	Target string          `json:"target,omitempty" yaml:"target,omitempty"`
}

func (r Ref) String() string {
	if r.ID != "" {
		return fmt.Sprintf("%s:%s", r.Type, r.ID)
	}
	return fmt.Sprintf("%s:%s", r.Type, r.Target)
}

// Destination is the resolved routing configuration: exactly one of the variant types below.
type Destination interface {
	Type() DestinationType
}

// Status is "active" or "inactive". Empty means active.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) Active() bool {
	return s == "" || strings.EqualFold(string(s), string(StatusActive))
}

type DID struct {
	Number      string      `json:"number" yaml:"number"`
	TenantID    string      `json:"tenant_id" yaml:"-"`
	Status      Status      `json:"status,omitempty" yaml:"status,omitempty"`
	Destination Ref         `json:"destination" yaml:"destination"`
	Sentry      SentryRules `json:"sentry" yaml:"sentry"`
}

// SentryRules configure admission checks for calls to one DID. Zero limits disable a check.
type SentryRules struct {
	VelocityLimit         int          `json:"velocity_limit,omitempty" yaml:"velocity_limit,omitempty"`
	VelocityWindowSeconds int          `json:"velocity_window_seconds,omitempty" yaml:"velocity_window_seconds,omitempty"`
	Volume                VolumeLimits `json:"volume" yaml:"volume"`
	Blacklists            []Blacklist  `json:"blacklists,omitempty" yaml:"blacklists,omitempty"`
}

type VolumeLimits struct {
	FiveMinutes    int `json:"five_minutes,omitempty" yaml:"five_minutes,omitempty"`
	FifteenMinutes int `json:"fifteen_minutes,omitempty" yaml:"fifteen_minutes,omitempty"`
	Hour           int `json:"hour,omitempty" yaml:"hour,omitempty"`
	Day            int `json:"day,omitempty" yaml:"day,omitempty"`
}

type Blacklist struct {
	Name    string   `json:"name" yaml:"name"`
	Numbers []string `json:"numbers" yaml:"numbers"`
}

type Extension struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"-"`
	Number   string `json:"number" yaml:"number"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	// Address is the SIP-style address the extension is dialed at.
	Address string `json:"address" yaml:"address"`
	Status  Status `json:"status,omitempty" yaml:"status,omitempty"`
	// ForwardTo, when set, takes precedence over dialing Address.
	ForwardTo   string `json:"forward_to,omitempty" yaml:"forward_to,omitempty"`
	RingTimeout int    `json:"ring_timeout,omitempty" yaml:"ring_timeout,omitempty"`
}

type RingStrategy string

const (
	RingSimultaneous RingStrategy = "simultaneous"
	RingSequential   RingStrategy = "sequential"
)

type RingGroupMember struct {
	ExtensionID string `json:"extension_id,omitempty" yaml:"extension_id,omitempty"`
	Address     string `json:"address" yaml:"address"`
	Priority    int    `json:"priority" yaml:"priority"`
	Status      Status `json:"status,omitempty" yaml:"status,omitempty"`
}

type RingGroup struct {
	ID       string            `json:"id" yaml:"id"`
	TenantID string            `json:"tenant_id" yaml:"-"`
	Name     string            `json:"name,omitempty" yaml:"name,omitempty"`
	Strategy RingStrategy      `json:"strategy" yaml:"strategy"`
	Timeout  int               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Members  []RingGroupMember `json:"members" yaml:"members"`
	Status   Status            `json:"status,omitempty" yaml:"status,omitempty"`
}

type IVRMenu struct {
	ID            string `json:"id" yaml:"id"`
	TenantID      string `json:"tenant_id" yaml:"-"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	AudioFilePath string `json:"audio_file_path,omitempty" yaml:"audio_file_path,omitempty"`
	TTSText       string `json:"tts_text,omitempty" yaml:"tts_text,omitempty"`
	TTSVoice      string `json:"tts_voice,omitempty" yaml:"tts_voice,omitempty"`
	TTSLanguage   string `json:"tts_language,omitempty" yaml:"tts_language,omitempty"`
	// Timeout is the overall wait for input in seconds; DigitTimeout the inter-digit wait.
	Timeout      int            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DigitTimeout int            `json:"digit_timeout,omitempty" yaml:"digit_timeout,omitempty"`
	MaxTurns     int            `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	Options      map[string]Ref `json:"options,omitempty" yaml:"options,omitempty"`
	// Failover is routed to once max turns are exhausted; nil means goodbye + hangup.
	Failover *Ref `json:"failover,omitempty" yaml:"failover,omitempty"`
}

type ConferenceRoom struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenant_id" yaml:"-"`
	Name         string `json:"name" yaml:"name"`
	Status       Status `json:"status,omitempty" yaml:"status,omitempty"`
	MuteOnEntry  bool   `json:"mute_on_entry,omitempty" yaml:"mute_on_entry,omitempty"`
	AnnounceJoin bool   `json:"announce_join,omitempty" yaml:"announce_join,omitempty"`
}

type AIAgent struct {
	ID        string            `json:"id" yaml:"id"`
	TenantID  string            `json:"tenant_id" yaml:"-"`
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AuthToken string            `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

type Forward struct {
	TenantID string `json:"tenant_id"`
	Target   string `json:"target"`
}

type Queue struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"-"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

type Voicemail struct {
	TenantID string `json:"tenant_id"`
	Mailbox  string `json:"mailbox"`
}

type Hangup struct{}

func (*Extension) Type() DestinationType      { return TypeExtension }
func (*RingGroup) Type() DestinationType      { return TypeRingGroup }
func (*IVRMenu) Type() DestinationType        { return TypeIVRMenu }
func (*ConferenceRoom) Type() DestinationType { return TypeConferenceRoom }
func (*AIAgent) Type() DestinationType        { return TypeAIAgent }
func (*Forward) Type() DestinationType        { return TypeForward }
func (*Queue) Type() DestinationType          { return TypeQueue }
func (*Voicemail) Type() DestinationType      { return TypeVoicemail }
func (*Hangup) Type() DestinationType         { return TypeHangup }

// inline builds destinations that need no stored record.
func inline(tenantID string, ref Ref) (Destination, bool) {
	switch ref.Type {
	case TypeForward:
		return &Forward{TenantID: tenantID, Target: ref.Target}, true
	case TypeVoicemail:
		mailbox := ref.Target
		if mailbox == "" {
			mailbox = ref.ID
		}
		return &Voicemail{TenantID: tenantID, Mailbox: mailbox}, true
	case TypeHangup:
		return &Hangup{}, true
	}
	return nil, false
}

// newDestination allocates the variant for t, for decoding.
func newDestination(t DestinationType) (Destination, error) {
	switch t {
	case TypeExtension:
		return &Extension{}, nil
	case TypeRingGroup:
		return &RingGroup{}, nil
	case TypeIVRMenu:
		return &IVRMenu{}, nil
	case TypeConferenceRoom:
		return &ConferenceRoom{}, nil
	case TypeAIAgent:
		return &AIAgent{}, nil
	case TypeForward:
		return &Forward{}, nil
	case TypeQueue:
		return &Queue{}, nil
	case TypeVoicemail:
		return &Voicemail{}, nil
	case TypeHangup:
		return &Hangup{}, nil
	}
	return nil, fmt.Errorf("directory: unknown destination type %q", t)
}

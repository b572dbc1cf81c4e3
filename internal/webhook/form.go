package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// VoiceForm captures the subset of provider voice webhook fields we care about.
// Providers post application/x-www-form-urlencoded by default; call-initiated
// also accepts a JSON body with snake_case keys. Callback parameters we put in
// the action URL (ring_group_id, menu_id, ...) arrive in the query string.
type VoiceForm struct {
	CallID         string `json:"call_id"`
	AccountID      string `json:"account_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Direction      string `json:"direction"`
	CallStatus     string `json:"call_status"`
	Digits         string `json:"digits"`
	DialCallStatus string `json:"dial_call_status"`
	AnsweredBy     string `json:"answered_by"`
	RecordingURL   string `json:"recording_url"`
	HangupCause    string `json:"hangup_cause"`
	Duration       string `json:"duration"`
}

var errMissingCallID = errors.New("call_id is required")

func parseVoiceForm(r *http.Request) (VoiceForm, error) {
	if isJSON(r) {
		var f VoiceForm
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&f); err != nil {
			return VoiceForm{}, fmt.Errorf("decode json body: %w", err)
		}
		if err := r.ParseForm(); err != nil {
			return VoiceForm{}, err
		}
		f.normalize()
		return f, nil
	}

	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	f := VoiceForm{
		CallID:         formValue(r, "CallSid", "call_id"),
		AccountID:      formValue(r, "AccountSid", "account_id"),
		From:           formValue(r, "From", "from"),
		To:             formValue(r, "To", "to"),
		Direction:      formValue(r, "Direction", "direction"),
		CallStatus:     formValue(r, "CallStatus", "call_status"),
		Digits:         formValue(r, "Digits", "digits"),
		DialCallStatus: formValue(r, "DialCallStatus", "dial_call_status"),
		AnsweredBy:     formValue(r, "AnsweredBy", "answered_by"),
		RecordingURL:   formValue(r, "RecordingUrl", "recording_url"),
		HangupCause:    formValue(r, "HangupCause", "hangup_cause"),
		Duration:       formValue(r, "CallDuration", "duration"),
	}
	f.normalize()
	return f, nil
}

func (f *VoiceForm) normalize() {
	f.CallID = strings.TrimSpace(f.CallID)
	f.From = normalizePhone(f.From)
	f.To = normalizePhone(f.To)
	f.Digits = strings.TrimSpace(f.Digits)
}

func formValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.FormValue(k); v != "" {
			return v
		}
	}
	return ""
}

func normalizePhone(s string) string {
	// Providers sometimes send "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

// queryInt reads a non-negative integer callback parameter.
func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

package routing

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"cloud-pbx/internal/coordinator"
	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
	"cloud-pbx/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fixture struct {
	dir      *directory.MemoryStore
	sessions *SessionSigner
	turns    *TurnStore
	disp     *Dispatcher
	ivr      *IVRInputHandler
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	coord := coordinator.New(coordinator.NewRedisPrimary(rdb), nil, coordinator.Options{Logger: logger.Discard()})

	dir := directory.NewMemoryStore()
	must := func(err error) {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(dir.Put("t1", &directory.Extension{ID: "e1", Number: "1001", Address: "sip:1001@pbx.test"}))
	must(dir.Put("t1", &directory.Extension{ID: "e2", Number: "1002", Address: "sip:1002@pbx.test", Status: directory.StatusInactive}))
	must(dir.Put("t1", &directory.Extension{ID: "e3", Number: "1003", Address: "sip:1003@pbx.test", ForwardTo: "+442071234567"}))
	must(dir.Put("t1", &directory.RingGroup{ID: "rg-seq", Strategy: directory.RingSequential, Members: []directory.RingGroupMember{
		{Address: "sip:c@pbx.test", Priority: 3},
		{Address: "sip:a@pbx.test", Priority: 1},
		{Address: "sip:x@pbx.test", Priority: 0, Status: directory.StatusInactive},
		{Address: "sip:b@pbx.test", Priority: 2},
	}}))
	must(dir.Put("t1", &directory.RingGroup{ID: "rg-all", Strategy: directory.RingSimultaneous, Timeout: 20, Members: []directory.RingGroupMember{
		{Address: "sip:a@pbx.test"},
		{Address: "+15550001111"},
		{Address: "sip:x@pbx.test", Status: directory.StatusInactive},
	}}))
	must(dir.Put("t1", &directory.IVRMenu{ID: "m1", MaxTurns: 2, Options: map[string]directory.Ref{
		"1": {Type: directory.TypeExtension, ID: "e1"},
		"9": {Type: directory.TypeQueue, ID: "missing"},
	}}))

	sessions, err := NewSessionSigner("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	turns := NewTurnStore(coord, time.Hour)
	disp, ivr := NewDefault(Deps{
		Directory: dir,
		Sessions:  sessions,
		Turns:     turns,
		Callbacks: Callbacks{BaseURL: "https://pbx.test"},
		Logger:    logger.Discard(),
	})
	return &fixture{dir: dir, sessions: sessions, turns: turns, disp: disp, ivr: ivr, mr: mr}
}

var testCall = Call{CallID: "CA1", TenantID: "t1", From: "+15551230000", To: "+15550001000"}

func (f *fixture) route(t *testing.T, ref directory.Ref, attempt int) *cxml.Document {
	t.Helper()
	dest, err := f.dir.Resolve(context.Background(), "t1", ref)
	if err != nil {
		t.Fatalf("resolve %s: %v", ref, err)
	}
	doc, err := f.disp.Dispatch(context.Background(), Request{Call: testCall, Destination: dest, Attempt: attempt})
	if err != nil {
		t.Fatalf("dispatch %s: %v", ref, err)
	}
	return doc
}

func render(t *testing.T, doc *cxml.Document) string {
	t.Helper()
	b, err := doc.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return string(b)
}

func onlyDial(t *testing.T, doc *cxml.Document) *cxml.Dial {
	t.Helper()
	if len(doc.Verbs) != 1 {
		t.Fatalf("expected a single verb, got %d", len(doc.Verbs))
	}
	d, ok := doc.Verbs[0].(*cxml.Dial)
	if !ok {
		t.Fatalf("expected dial, got %T", doc.Verbs[0])
	}
	return d
}

func TestSequentialRingGroupExhaustsMembers(t *testing.T) {
	f := newFixture(t)
	ref := directory.Ref{Type: directory.TypeRingGroup, ID: "rg-seq"}
	want := []string{"sip:a@pbx.test", "sip:b@pbx.test", "sip:c@pbx.test"}

	attempt := 0
	for i, addr := range want {
		d := onlyDial(t, f.route(t, ref, attempt))
		if len(d.Sips) != 1 || d.Sips[0].URI != addr {
			t.Fatalf("attempt %d: expected %s, got %+v", i, addr, d.Sips)
		}
		u, err := url.Parse(d.Action)
		if err != nil {
			t.Fatalf("action url: %v", err)
		}
		q := u.Query()
		if u.Path != PathRingGroup || q.Get("ring_group_id") != "rg-seq" {
			t.Fatalf("unexpected action %s", d.Action)
		}
		sess, err := f.sessions.Verify(q.Get("session"))
		if err != nil {
			t.Fatalf("verify session: %v", err)
		}
		if sess.Attempt != i+1 || q.Get("attempt_number") != strconv.Itoa(i+1) || sess.CallID != "CA1" {
			t.Fatalf("unexpected session %+v for %s", sess, d.Action)
		}
		attempt = sess.Attempt
	}

	// 4th webhook: attempt_number=3 with three active members.
	out := render(t, f.route(t, ref, attempt))
	if !strings.Contains(out, "No agents available") || !strings.Contains(out, "<Hangup>") || strings.Contains(out, "<Dial") {
		t.Fatalf("expected no agents response, got %s", out)
	}
}

func TestSimultaneousRingGroupDialsActiveMembers(t *testing.T) {
	f := newFixture(t)
	d := onlyDial(t, f.route(t, directory.Ref{Type: directory.TypeRingGroup, ID: "rg-all"}, 0))
	if d.Timeout != 20 || len(d.Sips) != 1 || len(d.Numbers) != 1 || d.Action != "" {
		t.Fatalf("unexpected dial %+v", d)
	}
}

func TestExtension(t *testing.T) {
	f := newFixture(t)

	d := onlyDial(t, f.route(t, directory.Ref{Type: directory.TypeExtension, ID: "e1"}, 0))
	if d.Timeout != DefaultDialTimeout || d.Sips[0].URI != "sip:1001@pbx.test" {
		t.Fatalf("unexpected dial %+v", d)
	}

	out := render(t, f.route(t, directory.Ref{Type: directory.TypeExtension, ID: "e2"}, 0))
	if !strings.Contains(out, MsgUnavailable) {
		t.Fatalf("expected unavailable for inactive extension: %s", out)
	}

	d = onlyDial(t, f.route(t, directory.Ref{Type: directory.TypeExtension, ID: "e3"}, 0))
	if len(d.Numbers) != 1 || d.Numbers[0].Value != "+442071234567" {
		t.Fatalf("expected forwarded dial, got %+v", d)
	}
}

func TestForwardResolution(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		target string
		dial   string
		msg    string
	}{
		{target: "sip:ext@carrier.test", dial: "sip:ext@carrier.test"},
		{target: "+15557654321", dial: "+15557654321"},
		{target: "1001", dial: "sip:1001@pbx.test"},
		{target: "1002", msg: "forward target inactive"},
		{target: "4040", msg: "forward target not found"},
		{target: " ", msg: "forward target not found"},
	}
	for _, tc := range cases {
		doc := f.route(t, directory.Ref{Type: directory.TypeForward, Target: tc.target}, 0)
		out := render(t, doc)
		if tc.msg != "" {
			if !strings.Contains(out, tc.msg) {
				t.Fatalf("%q: expected %q in %s", tc.target, tc.msg, out)
			}
			continue
		}
		if !strings.Contains(out, ">"+tc.dial+"<") {
			t.Fatalf("%q: expected dial to %s, got %s", tc.target, tc.dial, out)
		}
	}
}

func TestConferenceUsesSafeRoomID(t *testing.T) {
	room := &directory.ConferenceRoom{ID: "r1", TenantID: "t1", Name: `Sales & "Marketing"`, MuteOnEntry: true, AnnounceJoin: true}
	doc, err := ConferenceStrategy{}.Route(context.Background(), Request{Call: testCall, Destination: room})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	d := onlyDial(t, doc)
	if d.Conference == nil || !d.Conference.Muted || !d.Conference.Beep {
		t.Fatalf("unexpected conference %+v", d.Conference)
	}
	if d.Conference.Room != ConferenceRoomID("t1", "r1") || !strings.HasPrefix(d.Conference.Room, "conf_t1_") || strings.Contains(d.Conference.Room, "Sales") {
		t.Fatalf("unexpected room id %q", d.Conference.Room)
	}
	if ConferenceRoomID("t1", "r1") == ConferenceRoomID("t2", "r1") {
		t.Fatalf("expected tenant-specific room ids")
	}

	room.Status = directory.StatusInactive
	doc, _ = ConferenceStrategy{}.Route(context.Background(), Request{Call: testCall, Destination: room})
	if _, ok := doc.Verbs[0].(*cxml.Say); !ok {
		t.Fatalf("expected unavailable message for inactive room")
	}
}

func TestAIAgent(t *testing.T) {
	s := AIAgentStrategy{}
	doc, _ := s.Route(context.Background(), Request{Call: testCall, Destination: &directory.AIAgent{ID: "a1"}})
	if out := render(t, doc); !strings.Contains(out, "not configured") || !strings.Contains(out, "<Hangup>") {
		t.Fatalf("expected terminal unavailable, got %s", out)
	}

	doc, _ = s.Route(context.Background(), Request{Call: testCall, Destination: &directory.AIAgent{
		ID: "a1", Endpoint: "sip:agent@ai.test", AuthToken: "tok", Params: map[string]string{"lang": "en"},
	}})
	d := onlyDial(t, doc)
	if len(d.Sips) != 1 || !strings.Contains(d.Sips[0].URI, "auth_token=tok") || !strings.Contains(d.Sips[0].URI, "lang=en") {
		t.Fatalf("unexpected ai dial %+v", d.Sips)
	}

	doc, _ = s.Route(context.Background(), Request{Call: testCall, Destination: &directory.AIAgent{ID: "a1", Endpoint: "https://ai.test/voice"}})
	if r, ok := doc.Verbs[0].(*cxml.Redirect); !ok || !strings.HasPrefix(r.URL, "https://ai.test/voice?") {
		t.Fatalf("expected redirect, got %+v", doc.Verbs[0])
	}
}

func TestQueueVoicemailHangup(t *testing.T) {
	f := newFixture(t)
	if err := f.dir.Put("t1", &directory.Queue{ID: "q"}); err != nil {
		t.Fatalf("put queue: %v", err)
	}
	if out := render(t, f.route(t, directory.Ref{Type: directory.TypeQueue, ID: "q"}, 0)); !strings.Contains(out, "temporarily unavailable, please try later") {
		t.Fatalf("unexpected queue response %s", out)
	}
	out := render(t, f.route(t, directory.Ref{Type: directory.TypeVoicemail, Target: "1001"}, 0))
	if !strings.Contains(out, `<Voicemail mailbox="1001"`) {
		t.Fatalf("unexpected voicemail response %s", out)
	}
	out = render(t, f.route(t, directory.Ref{Type: directory.TypeHangup}, 0))
	if strings.Contains(out, "<Say>") || !strings.Contains(out, "<Hangup>") {
		t.Fatalf("unexpected hangup response %s", out)
	}
}

func TestDispatcherWithoutStrategyIsUnavailable(t *testing.T) {
	d := NewDispatcher(logger.Discard(), HangupStrategy{})
	doc, err := d.Dispatch(context.Background(), Request{Call: testCall, Destination: &directory.Queue{ID: "q"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out := render(t, doc); !strings.Contains(out, MsgUnavailable) {
		t.Fatalf("expected unavailable, got %s", out)
	}
}

func TestIVRPromptSourcePriority(t *testing.T) {
	f := newFixture(t)
	s := &IVRStrategy{Turns: f.turns, Callbacks: Callbacks{BaseURL: "https://pbx.test"}}
	cases := []struct {
		menu *directory.IVRMenu
		want string
	}{
		{&directory.IVRMenu{ID: "a"}, "<Say>" + MsgDefaultIVRPrompt + "</Say>"},
		{&directory.IVRMenu{ID: "b", TTSText: "Press 1"}, "<Say>Press 1</Say>"},
		{&directory.IVRMenu{ID: "c", TTSText: "Press 1", AudioFilePath: "https://cdn.test/m.wav"}, "<Play>https://cdn.test/m.wav</Play>"},
	}
	for _, tc := range cases {
		doc, err := s.Route(context.Background(), Request{Call: testCall, Destination: tc.menu})
		if err != nil {
			t.Fatalf("route %s: %v", tc.menu.ID, err)
		}
		out := render(t, doc)
		if !strings.Contains(out, tc.want) {
			t.Fatalf("menu %s: expected %s in %s", tc.menu.ID, tc.want, out)
		}
		g := doc.Verbs[0].(*cxml.Gather)
		if g.Timeout != DefaultIVRTimeout || g.DigitTimeout != DefaultIVRDigitTimeout {
			t.Fatalf("expected default timeouts, got %+v", g)
		}
	}
	if strings.Contains(render(t, mustRoute(t, s, cases[2].menu)), "Press 1") {
		t.Fatalf("expected file to take priority over tts")
	}
}

func mustRoute(t *testing.T, s Strategy, d directory.Destination) *cxml.Document {
	t.Helper()
	doc, err := s.Route(context.Background(), Request{Call: testCall, Destination: d})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return doc
}

func TestIVRInputFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.route(t, directory.Ref{Type: directory.TypeIVRMenu, ID: "m1"}, 0)
	st, ok := f.turns.Load(ctx, "CA1")
	if !ok || st.MenuID != "m1" || st.TurnCount != 0 {
		t.Fatalf("expected fresh turn state, got %+v %v", st, ok)
	}

	doc, err := f.ivr.Handle(ctx, IVRInput{Call: testCall, MenuID: "m1", Digits: "7"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	g, ok := doc.Verbs[0].(*cxml.Gather)
	if !ok || len(g.Prompts) != 2 {
		t.Fatalf("expected re-prompt with notice, got %+v", doc.Verbs[0])
	}
	if s := g.Prompts[0].(*cxml.Say); s.Text != MsgInvalidOption {
		t.Fatalf("expected invalid option notice first, got %q", s.Text)
	}
	if st, _ := f.turns.Load(ctx, "CA1"); st.TurnCount != 1 || st.Digits != "7" {
		t.Fatalf("unexpected turn state %+v", st)
	}

	doc, err = f.ivr.Handle(ctx, IVRInput{Call: testCall, MenuID: "m1", Digits: "1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	d := onlyDial(t, doc)
	if d.Sips[0].URI != "sip:1001@pbx.test" {
		t.Fatalf("expected extension dial, got %+v", d)
	}
	if _, ok := f.turns.Load(ctx, "CA1"); ok {
		t.Fatalf("expected turn state cleared after leaving the menu")
	}
}

func TestIVRMaxTurnsSaysGoodbye(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route(t, directory.Ref{Type: directory.TypeIVRMenu, ID: "m1"}, 0)

	if _, err := f.ivr.Handle(ctx, IVRInput{Call: testCall, MenuID: "m1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	doc, err := f.ivr.Handle(ctx, IVRInput{Call: testCall, MenuID: "m1", Digits: "5"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out := render(t, doc); !strings.Contains(out, MsgIVRGoodbye) || !strings.Contains(out, "<Hangup>") {
		t.Fatalf("expected goodbye, got %s", out)
	}
}

func TestIVRUsesTurnHintWithoutCachedState(t *testing.T) {
	f := newFixture(t)
	doc, err := f.ivr.Handle(context.Background(), IVRInput{Call: testCall, MenuID: "m1", Digits: "8", TurnHint: 1})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out := render(t, doc); !strings.Contains(out, MsgIVRGoodbye) {
		t.Fatalf("expected max turns reached from hint, got %s", out)
	}
}

func TestIVRTurnsAdvanceWithoutCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turns := NewTurnStore(coordinator.New(nil, nil, coordinator.Options{Logger: logger.Discard()}), time.Hour)
	disp, ivr := NewDefault(Deps{Directory: f.dir, Turns: turns, Logger: logger.Discard()})

	menu, err := f.dir.Resolve(ctx, "t1", directory.Ref{Type: directory.TypeIVRMenu, ID: "m1"})
	if err != nil {
		t.Fatalf("resolve menu: %v", err)
	}
	doc, err := disp.Dispatch(ctx, Request{Call: testCall, Destination: menu})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// m1 allows two turns: one re-prompt, then goodbye.
	for i := 1; i <= 2; i++ {
		g, ok := doc.Verbs[0].(*cxml.Gather)
		if !ok {
			t.Fatalf("input %d: expected gather, got %s", i, render(t, doc))
		}
		u, err := url.Parse(g.Action)
		if err != nil {
			t.Fatalf("parse action: %v", err)
		}
		turn, _ := strconv.Atoi(u.Query().Get("turn"))
		if turn != i-1 {
			t.Fatalf("input %d: expected turn=%d in action, got %q", i, i-1, g.Action)
		}
		redirect := doc.Verbs[1].(*cxml.Redirect)
		if redirect.URL != g.Action {
			t.Fatalf("redirect %q does not match gather action %q", redirect.URL, g.Action)
		}
		doc, err = ivr.Handle(ctx, IVRInput{Call: testCall, MenuID: "m1", Digits: "7", TurnHint: turn})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if out := render(t, doc); !strings.Contains(out, MsgIVRGoodbye) || !strings.Contains(out, "<Hangup>") {
		t.Fatalf("expected goodbye after max turns, got %s", out)
	}
}

func TestSessionTokenIsStableForTheSameAttempt(t *testing.T) {
	s, _ := NewSessionSigner("secret", time.Minute)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data := SessionData{TenantID: "t1", CallID: "CA1", RingGroupID: "rg", Attempt: 1}

	s.now = func() time.Time { return base }
	first, err := s.Sign(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	s.now = func() time.Time { return base.Add(40 * time.Second) }
	again, _ := s.Sign(data)
	if again != first {
		t.Fatalf("expected a re-sign in the same window to match")
	}
	data.Attempt = 2
	if next, _ := s.Sign(data); next == first {
		t.Fatalf("expected a different attempt to change the token")
	}

	// Still valid a full ttl after the original signing.
	s.now = func() time.Time { return base.Add(time.Minute) }
	got, err := s.Verify(first)
	if err != nil || got.Attempt != 1 || got.CallID != "CA1" {
		t.Fatalf("verify: %+v %v", got, err)
	}
}

func TestSessionTokenRejectsTampering(t *testing.T) {
	s, _ := NewSessionSigner("secret", time.Minute)
	tok, err := s.Sign(SessionData{TenantID: "t1", CallID: "CA1", RingGroupID: "rg", Attempt: 2})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other, _ := NewSessionSigner("other", time.Minute)
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for wrong key, got %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Verify(tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
	if _, err := NewSessionSigner("", time.Minute); err == nil {
		t.Fatalf("expected secret required")
	}
}

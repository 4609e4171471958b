package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) add(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *recordingSink) OnPairingChallenge(payload string) { s.add("challenge:" + payload) }
func (s *recordingSink) OnAuthenticated()                  { s.add("authenticated") }
func (s *recordingSink) OnReady()                          { s.add("ready") }
func (s *recordingSink) OnAuthFailure(err error)           { s.add("auth_failure:" + err.Error()) }
func (s *recordingSink) OnDisconnected(reason string, loggedOut bool) {
	if loggedOut {
		s.add("logged_out:" + reason)
		return
	}
	s.add("disconnected:" + reason)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestEventHandlerMapsLifecycle(t *testing.T) {
	tests := []struct {
		name string
		evt  interface{}
		want string
	}{
		{"pair success", &events.PairSuccess{}, "authenticated"},
		{"connected", &events.Connected{}, "ready"},
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, "logged_out:logged out"},
		{"stream replaced", &events.StreamReplaced{}, "disconnected:stream replaced"},
		{"disconnected", &events.Disconnected{}, "disconnected:connection lost"},
		{"connect failure", &events.ConnectFailure{Message: "bad"}, "auth_failure:connect failure"},
		{"client outdated", &events.ClientOutdated{}, "auth_failure:whatsapp client version outdated"},
		{"temporary ban", &events.TemporaryBan{Code: events.TempBanSentToTooManyPeople, Expire: time.Hour}, "auth_failure:temporary ban"},
		{"pair error", &events.PairError{Error: errors.New("bad companion")}, "auth_failure:pairing failed: bad companion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			d := &WhatsAppDriver{log: waLog.Noop}
			d.eventHandler(sink)(tt.evt)

			calls := sink.snapshot()
			if len(calls) != 1 || !strings.HasPrefix(calls[0], tt.want) {
				t.Fatalf("calls = %v, want prefix %q", calls, tt.want)
			}
		})
	}
}

func TestEventHandlerIgnoresOtherEvents(t *testing.T) {
	sink := &recordingSink{}
	d := &WhatsAppDriver{log: waLog.Noop}
	h := d.eventHandler(sink)
	h(&events.Message{})
	h("unknown")
	if calls := sink.snapshot(); len(calls) != 0 {
		t.Fatalf("unexpected calls %v", calls)
	}
}

type panickingSink struct{ recordingSink }

func (s *panickingSink) OnReady() { panic("sink exploded") }

func TestEventHandlerRecoversSinkPanic(t *testing.T) {
	d := &WhatsAppDriver{log: waLog.Noop}
	d.eventHandler(&panickingSink{})(&events.Connected{})
}

func TestWatchPairing(t *testing.T) {
	tests := []struct {
		name  string
		items []whatsmeow.QRChannelItem
		want  []string
	}{
		{
			name: "scanned",
			items: []whatsmeow.QRChannelItem{
				{Event: whatsmeow.QRChannelEventCode, Code: "ref-1"},
				{Event: whatsmeow.QRChannelEventCode, Code: "ref-2"},
				whatsmeow.QRChannelSuccess,
			},
			want: []string{"challenge:ref-1", "challenge:ref-2"},
		},
		{
			name: "timeout",
			items: []whatsmeow.QRChannelItem{
				{Event: whatsmeow.QRChannelEventCode, Code: "ref-1"},
				whatsmeow.QRChannelTimeout,
			},
			want: []string{"challenge:ref-1", "auth_failure:pairing timed out"},
		},
		{
			name: "error item",
			items: []whatsmeow.QRChannelItem{
				{Event: whatsmeow.QRChannelEventError, Error: errors.New("socket closed")},
			},
			want: []string{"auth_failure:socket closed"},
		},
		{
			name: "unknown event",
			items: []whatsmeow.QRChannelItem{
				{Event: "err-unexpected-state"},
			},
			want: []string{"auth_failure:pairing failed: err-unexpected-state"},
		},
		{
			name: "stops after terminal event",
			items: []whatsmeow.QRChannelItem{
				whatsmeow.QRChannelSuccess,
				{Event: whatsmeow.QRChannelEventCode, Code: "late"},
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan whatsmeow.QRChannelItem, len(tt.items))
			for _, item := range tt.items {
				ch <- item
			}
			close(ch)

			sink := &recordingSink{}
			d := &WhatsAppDriver{log: waLog.Noop}
			d.watchPairing(ch, sink)

			calls := sink.snapshot()
			if len(calls) != len(tt.want) {
				t.Fatalf("calls = %v, want %v", calls, tt.want)
			}
			for i := range tt.want {
				if !strings.HasPrefix(calls[i], tt.want[i]) {
					t.Fatalf("call %d = %q, want prefix %q", i, calls[i], tt.want[i])
				}
			}
		})
	}
}

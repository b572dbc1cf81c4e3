package routing

import (
	"log/slog"

	"cloud-pbx/internal/directory"
)

// Deps are the collaborators shared by the default strategies.
type Deps struct {
	Directory directory.Resolver
	Sessions  *SessionSigner
	Turns     *TurnStore
	Callbacks Callbacks
	Logger    *slog.Logger
}

// NewDefault registers one strategy per destination type and returns the
// dispatcher together with the IVR input handler bound to it.
func NewDefault(deps Deps) (*Dispatcher, *IVRInputHandler) {
	forward := &ForwardStrategy{Directory: deps.Directory}
	d := NewDispatcher(deps.Logger,
		&ExtensionStrategy{Forward: forward},
		&RingGroupStrategy{Sessions: deps.Sessions, Callbacks: deps.Callbacks},
		&IVRStrategy{Turns: deps.Turns, Callbacks: deps.Callbacks},
		ConferenceStrategy{},
		AIAgentStrategy{},
		forward,
		QueueStrategy{},
		VoicemailStrategy{},
		HangupStrategy{},
	)
	h := &IVRInputHandler{Directory: deps.Directory, Dispatcher: d, Turns: deps.Turns, Log: deps.Logger}
	return d, h
}

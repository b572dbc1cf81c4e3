package routing

import (
	"context"
	"fmt"
	"sort"

	"cloud-pbx/internal/cxml"
	"cloud-pbx/internal/directory"
)

// RingGroupStrategy rings group members either all at once or one per webhook round-trip.
type RingGroupStrategy struct {
	Sessions  *SessionSigner
	Callbacks Callbacks
}

func (*RingGroupStrategy) CanHandle(t directory.DestinationType) bool {
	return t == directory.TypeRingGroup
}

func (s *RingGroupStrategy) Route(ctx context.Context, req Request) (*cxml.Document, error) {
	rg, ok := req.Destination.(*directory.RingGroup)
	if !ok {
		return nil, fmt.Errorf("routing: ring group strategy got %T", req.Destination)
	}
	if !rg.Status.Active() {
		return Unavailable(""), nil
	}
	members := activeMembers(rg)
	if len(members) == 0 {
		return cxml.SayHangup(MsgNoAgents), nil
	}
	timeout := rg.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	if rg.Strategy != directory.RingSequential {
		addrs := make([]string, 0, len(members))
		for _, m := range members {
			addrs = append(addrs, m.Address)
		}
		return cxml.New(cxml.NewDial(timeout, addrs...)), nil
	}
	return s.routeSequential(req, rg, members, timeout)
}

// routeSequential dials member req.Attempt and points the dial action at the next attempt.
func (s *RingGroupStrategy) routeSequential(req Request, rg *directory.RingGroup, members []directory.RingGroupMember, timeout int) (*cxml.Document, error) {
	if req.Attempt < 0 || req.Attempt >= len(members) {
		return cxml.SayHangup(MsgNoAgents), nil
	}
	next := req.Attempt + 1
	token, err := s.Sessions.Sign(SessionData{
		TenantID:    req.Call.TenantID,
		CallID:      req.Call.CallID,
		RingGroupID: rg.ID,
		Attempt:     next,
	})
	if err != nil {
		return nil, fmt.Errorf("routing: sign ring group session: %w", err)
	}
	dial := cxml.NewDial(timeout, members[req.Attempt].Address)
	dial.Action = s.Callbacks.RingGroup(rg.ID, next, token)
	dial.Method = "POST"
	return cxml.New(dial), nil
}

// activeMembers returns dialable members in priority order (lowest first).
func activeMembers(rg *directory.RingGroup) []directory.RingGroupMember {
	out := make([]directory.RingGroupMember, 0, len(rg.Members))
	for _, m := range rg.Members {
		if m.Status.Active() && m.Address != "" {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

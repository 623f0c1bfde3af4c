// Package gatewaytest provides an in-memory Gateway client for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/basket/missiond/internal/gateway"
)

// Fake records calls and answers from configurable state.
type Fake struct {
	mu sync.Mutex

	Connected   bool
	ConnectErr  error
	ListErr     error
	SendErr     error
	LiveSession map[string]bool

	Chats       []gateway.ChatSendParams
	ConnectHits int
	ListHits    int
}

func New() *Fake {
	return &Fake{Connected: true, LiveSession: map[string]bool{}}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectHits++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Connected = true
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = false
	return nil
}

func (f *Fake) SetLive(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LiveSession = map[string]bool{}
	for _, id := range ids {
		f.LiveSession[id] = true
	}
}

func (f *Fake) ListSessions(ctx context.Context) ([]gateway.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListHits++
	if !f.Connected {
		return nil, gateway.ErrNotConnected
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]gateway.SessionInfo, 0, len(f.LiveSession))
	for id := range f.LiveSession {
		out = append(out, gateway.SessionInfo{ID: id})
	}
	return out, nil
}

func (f *Fake) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Connected {
		return nil, gateway.ErrNotConnected
	}
	switch method {
	case gateway.MethodChatSend:
		if f.SendErr != nil {
			return nil, f.SendErr
		}
		p, ok := params.(gateway.ChatSendParams)
		if !ok {
			return nil, errors.New("gatewaytest: unexpected chat.send params")
		}
		f.Chats = append(f.Chats, p)
		return json.RawMessage(`{"ok":true}`), nil
	default:
		return nil, &gateway.RPCError{Code: -32601, Message: "method not found"}
	}
}

// SentChats returns a copy of the recorded chat.send payloads.
func (f *Fake) SentChats() []gateway.ChatSendParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ChatSendParams(nil), f.Chats...)
}

var _ gateway.Client = (*Fake)(nil)

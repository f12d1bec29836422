// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package chat

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/candorchat/candor/internal/store"
)

// fakeStore implements store.ChatStore with overridable behavior per test.
// Unset functions return zero values; call counts are tracked for the
// zero-writes assertions.
type fakeStore struct {
	mu sync.Mutex

	isParticipantFn  func(userID, conversationID ulid.ULID, kind store.ConversationKind) (bool, error)
	participantsFn   func(conversationID ulid.ULID, kind store.ConversationKind) ([]ulid.ULID, error)
	createMessageFn  func(msg store.NewMessage) (*store.HydratedMessage, error)
	getMessageFn     func(messageID ulid.ULID) (*store.HydratedMessage, error)
	updateContentFn  func(messageID ulid.ULID, content string) (*store.HydratedMessage, error)
	deleteMessageFn  func(messageID ulid.ULID) error
	markReadFn       func(userID, conversationID ulid.ULID, kind store.ConversationKind, messageIDs []ulid.ULID) error
	getUserDetailsFn func(userID ulid.ULID) (store.UserDetails, error)
	setOnlineFn      func(userID ulid.ULID, online bool) error

	createCalls     int
	detailCalls     int
	markReadCalls   int
	deleteCalls     int
	setOnlineCalls  int
	updateCalls     int
	membershipCalls int
}

func (f *fakeStore) IsParticipant(_ context.Context, userID, conversationID ulid.ULID, kind store.ConversationKind) (bool, error) {
	f.mu.Lock()
	f.membershipCalls++
	f.mu.Unlock()
	if f.isParticipantFn != nil {
		return f.isParticipantFn(userID, conversationID, kind)
	}
	return false, nil
}

func (f *fakeStore) Participants(_ context.Context, conversationID ulid.ULID, kind store.ConversationKind) ([]ulid.ULID, error) {
	if f.participantsFn != nil {
		return f.participantsFn(conversationID, kind)
	}
	return nil, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg store.NewMessage) (*store.HydratedMessage, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	if f.createMessageFn != nil {
		return f.createMessageFn(msg)
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetMessage(_ context.Context, messageID ulid.ULID) (*store.HydratedMessage, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(messageID)
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateMessageContent(_ context.Context, messageID ulid.ULID, content string) (*store.HydratedMessage, error) {
	f.mu.Lock()
	f.updateCalls++
	f.mu.Unlock()
	if f.updateContentFn != nil {
		return f.updateContentFn(messageID, content)
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeleteMessage(_ context.Context, messageID ulid.ULID) error {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	if f.deleteMessageFn != nil {
		return f.deleteMessageFn(messageID)
	}
	return nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, userID, conversationID ulid.ULID, kind store.ConversationKind, messageIDs []ulid.ULID) error {
	f.mu.Lock()
	f.markReadCalls++
	f.mu.Unlock()
	if f.markReadFn != nil {
		return f.markReadFn(userID, conversationID, kind, messageIDs)
	}
	return nil
}

func (f *fakeStore) GetUserDetails(_ context.Context, userID ulid.ULID) (store.UserDetails, error) {
	f.mu.Lock()
	f.detailCalls++
	f.mu.Unlock()
	if f.getUserDetailsFn != nil {
		return f.getUserDetailsFn(userID)
	}
	return store.UserDetails{}, store.ErrNotFound
}

func (f *fakeStore) SetOnlineStatus(_ context.Context, userID ulid.ULID, online bool) error {
	f.mu.Lock()
	f.setOnlineCalls++
	f.mu.Unlock()
	if f.setOnlineFn != nil {
		return f.setOnlineFn(userID, online)
	}
	return nil
}

// fakeSub is an in-memory hub subscriber recording delivered events.
type fakeSub struct {
	id     ulid.ULID
	mu     sync.Mutex
	events []Outbound
	reject bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{id: NewULID()}
}

func (s *fakeSub) ConnID() ulid.ULID { return s.id }

func (s *fakeSub) Enqueue(ev Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSub) received() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outbound, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSub) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, ev := range s.events {
		names[i] = ev.Event
	}
	return names
}

package prefs

import (
	"context"
	"sync"
)

type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[string]string)}
}

func (s *InMemoryStore) Get(_ context.Context, clientID string) (Prefs, error) {
	clientID, err := validClientID(clientID)
	if err != nil {
		return Prefs{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fromValues(clientID, s.data[clientID]), nil
}

func (s *InMemoryStore) SaveVoice(_ context.Context, clientID string, voice VoiceSelection) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range voiceValues(voice) {
		s.setLocked(clientID, k, v)
	}
	return nil
}

func (s *InMemoryStore) MarkGreetingShown(_ context.Context, clientID string) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(clientID, KeyFirstLoginShown, "true")
	return nil
}

func (s *InMemoryStore) setLocked(clientID, key, value string) {
	row, ok := s.data[clientID]
	if !ok {
		row = make(map[string]string)
		s.data[clientID] = row
	}
	row[key] = value
}

func (s *InMemoryStore) Close() error { return nil }

package store

import (
	"sync"

	"github.com/google/uuid"
)

type pairingRequest struct {
	senderID, channel, chatID, scope string
}

// MemoryPairingStore is an in-process PairingStore: pairing state lives
// only for the life of the process, same tradeoff recall.MemoryStore makes
// for single-instance deployments.
type MemoryPairingStore struct {
	mu       sync.Mutex
	paired   map[string]bool          // "channel:senderID" -> true
	requests map[string]pairingRequest // code -> request
}

// NewMemoryPairingStore creates an empty MemoryPairingStore.
func NewMemoryPairingStore() *MemoryPairingStore {
	return &MemoryPairingStore{
		paired:   make(map[string]bool),
		requests: make(map[string]pairingRequest),
	}
}

func pairingKey(senderID, channel string) string { return channel + ":" + senderID }

func (s *MemoryPairingStore) IsPaired(senderID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[pairingKey(senderID, channel)]
}

func (s *MemoryPairingStore) RequestPairing(senderID, channel, chatID, scope string) (string, error) {
	// Short, human-relayable code — same uuid-prefix convention the CLI
	// session tooling uses for its own ad hoc identifiers.
	code := uuid.NewString()[:8]
	s.mu.Lock()
	s.requests[code] = pairingRequest{senderID: senderID, channel: channel, chatID: chatID, scope: scope}
	s.mu.Unlock()
	return code, nil
}

// Approve marks the sender behind code as paired, returning the channel
// and chat id so the caller can notify them, and false if the code is
// unknown or already consumed.
func (s *MemoryPairingStore) Approve(code string) (channel, chatID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, found := s.requests[code]
	if !found {
		return "", "", false
	}
	delete(s.requests, code)
	s.paired[pairingKey(req.senderID, req.channel)] = true
	return req.channel, req.chatID, true
}

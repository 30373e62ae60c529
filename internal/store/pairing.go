// Package store holds the narrow persistence contracts the gateway bridge
// needs from a channel adapter's perspective. The teacher's full storage
// layer (managed-mode Postgres stores, file-backed session history, tool/
// provider/team CRUD) belongs to a separate admin surface this module does
// not implement; PairingStore is the one contract channel adapters still
// need directly.
package store

// PairingStore tracks which channel senders have linked their account to
// an agent, and issues one-time codes for senders who haven't yet. Feishu
// (and any other DM-pairing channel) consults it before letting an
// unrecognized sender reach the agent.
type PairingStore interface {
	// IsPaired reports whether senderID has already completed pairing on
	// channel.
	IsPaired(senderID, channel string) bool

	// RequestPairing issues a pairing code for senderID on channel/chatID
	// under scope, recording the request so a later approval can find it.
	RequestPairing(senderID, channel, chatID, scope string) (code string, err error)
}

package channels

import "github.com/nextlevelbuilder/goclaw/internal/streamer"

// CardChannel is implemented by channels whose platform supports the rich
// Card schema (spec §4.5/§4.6): Feishu today, any future platform with an
// equivalent block-kit surface tomorrow. Channels without such a surface
// (plain webhook relays, channels still on text-only replies) only need to
// satisfy Channel.
type CardChannel interface {
	Channel
	// CardClient returns the platform client the Card Streamer drives to
	// send, update, and delete cards for one response.
	CardClient() streamer.PlatformClient
}

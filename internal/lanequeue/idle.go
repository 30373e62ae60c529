package lanequeue

import "time"

// idleRetireAfter is the interval at which a lane checks its queue; a lane
// whose queue is empty at a check is torn down.
// Lanes are cheap (one goroutine + channel) but a long-lived gateway process
// accumulates one per distinct (channelId, chatId) ever seen without this.
const idleRetireAfter = 30 * time.Second

func newIdleTicker() *time.Ticker {
	return time.NewTicker(idleRetireAfter)
}

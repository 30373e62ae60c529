package gateway

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/sessionstate"
)

// recallDeleter implements recall.MessageDeleter by trying every
// registered card-capable channel until one accepts the delete; platform
// message ids are opaque per-channel strings so this never misfires
// across channels in practice.
type recallDeleter struct {
	gw *Gateway
}

func (d *recallDeleter) DeleteMessage(ctx context.Context, messageID string) error {
	d.gw.mu.Lock()
	order := append([]string{}, d.gw.channelOrder...)
	d.gw.mu.Unlock()

	for _, name := range order {
		d.gw.mu.Lock()
		ch := d.gw.channels[name]
		d.gw.mu.Unlock()
		cc, ok := ch.(channels.CardChannel)
		if !ok {
			continue
		}
		if err := cc.CardClient().DeleteMessage(ctx, messageID); err == nil {
			return nil
		}
	}
	return fmt.Errorf("gateway: no channel could delete message %s", messageID)
}

// recallAborter implements recall.TaskAborter. The chatID it receives is
// actually the Gateway's laneKey ("<channelId>:<chatId>") since that is
// what the Gateway records as recall.Record.ChatID.
type recallAborter struct {
	gw *Gateway
}

func (a *recallAborter) AbortTaskForChat(ctx context.Context, chatID string) bool {
	channel, chat := splitLaneKey(chatID)
	key := sessionstate.SessionKey{Channel: channel, Kind: sessionstate.KindChat, ChatID: chat}
	return a.gw.sessionMgr.AbortTask(ctx, key)
}

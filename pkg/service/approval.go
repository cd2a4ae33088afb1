package service

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	emojiApprove    = "✅"
	emojiDiscard    = "❌"
	emojiRegenerate = "\U0001F501"

	approvalWindow = 120 * time.Second
)

type pendingApproval struct {
	userid    string
	channelid string
	group     []string
	redo      func()
	timer     *time.Timer
}

// approvals tracks delivered results awaiting a reaction from their
// requester. Each tracked message carries approve, discard and regenerate
// reactions; the window closes after a fixed timeout, clearing them.
type approvals struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func newApprovals(logger zerolog.Logger) *approvals {
	return &approvals{logger: logger, pending: make(map[string]*pendingApproval)}
}

// arm adds the reaction set to every delivered message and registers the
// group under the requesting user. Messages of one result share a redo so
// a regenerate on any of them re-runs the whole request once.
func (a *approvals) arm(s *discordgo.Session, messages []*discordgo.Message, userid string, redo func()) {
	if len(messages) == 0 {
		return
	}
	group := []string{}
	for _, m := range messages {
		group = append(group, m.ID)
	}
	a.mu.Lock()
	for _, m := range messages {
		entry := &pendingApproval{userid: userid, channelid: m.ChannelID, group: group, redo: redo}
		messageid := m.ID
		entry.timer = time.AfterFunc(approvalWindow, func() {
			a.expire(s, messageid)
		})
		a.pending[m.ID] = entry
	}
	a.mu.Unlock()

	for _, m := range messages {
		for _, emoji := range []string{emojiApprove, emojiDiscard, emojiRegenerate} {
			if err := s.MessageReactionAdd(m.ChannelID, m.ID, emoji); err != nil {
				a.logger.Warn().Err(err).Str("message", m.ID).Msg("service: reaction add failed")
			}
		}
	}
}

func (a *approvals) expire(s *discordgo.Session, messageid string) {
	a.mu.Lock()
	entry, ok := a.pending[messageid]
	if ok == true {
		delete(a.pending, messageid)
	}
	a.mu.Unlock()
	if ok == false {
		return
	}
	if err := s.MessageReactionsRemoveAll(entry.channelid, messageid); err != nil {
		a.logger.Warn().Err(err).Str("message", messageid).Msg("service: reaction clear failed")
	}
}

// take removes the whole group of an armed message and stops its timers.
// Returns nil when the message is not pending or the reactor is not the
// requester.
func (a *approvals) take(messageid string, userid string) *pendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.pending[messageid]
	if ok == false || entry.userid != userid {
		return nil
	}
	for _, id := range entry.group {
		if sibling, ok := a.pending[id]; ok == true {
			sibling.timer.Stop()
			delete(a.pending, id)
		}
	}
	return entry
}

func (d *DiscordService) reactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == s.State.User.ID {
		return
	}
	emoji := r.Emoji.Name
	if emoji != emojiApprove && emoji != emojiDiscard && emoji != emojiRegenerate {
		return
	}
	entry := d.approvals.take(r.MessageID, r.UserID)
	if entry == nil {
		return
	}

	switch emoji {
	case emojiApprove:
		for _, id := range entry.group {
			if err := s.MessageReactionsRemoveAll(entry.channelid, id); err != nil {
				d.logger.Warn().Err(err).Str("message", id).Msg("service: reaction clear failed")
			}
		}
	case emojiDiscard:
		d.deleteGroup(s, entry)
	case emojiRegenerate:
		d.deleteGroup(s, entry)
		go entry.redo()
	}
}

func (d *DiscordService) deleteGroup(s *discordgo.Session, entry *pendingApproval) {
	for _, id := range entry.group {
		if err := s.ChannelMessageDelete(entry.channelid, id); err != nil {
			d.logger.Warn().Err(err).Str("message", id).Msg("service: message delete failed")
		}
	}
}

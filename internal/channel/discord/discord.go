// Package discord adapts Discord bot traffic onto the channel interface.
package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/cortexhub/companion-gateway/internal/channel"
)

type DiscordAdapter struct {
	token    string
	session  *discordgo.Session
	incoming chan *channel.Message

	mu      sync.Mutex
	running bool
}

func NewDiscordAdapter(token string) *DiscordAdapter {
	return &DiscordAdapter{
		token:    token,
		incoming: make(chan *channel.Message, 100),
	}
}

func (d *DiscordAdapter) Name() string {
	return "discord"
}

func (d *DiscordAdapter) IsEnabled() bool {
	return d.token != ""
}

func (d *DiscordAdapter) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.Bot {
			return
		}
		// Only respond in DMs or when mentioned.
		if m.GuildID != "" && !d.isMentioned(s.State.User.ID, m.Mentions) {
			return
		}

		d.incoming <- &channel.Message{
			ID:              m.ID,
			Channel:         "discord",
			UserID:          m.Author.ID,
			Content:         m.Content,
			ClientMessageID: "dc-" + m.ID,
			Metadata: map[string]string{
				"guild_id":    m.GuildID,
				"channel_id":  m.ChannelID,
				"author_name": m.Author.Username,
			},
			Timestamp: m.Timestamp.Unix(),
		}
	})

	if err := session.Open(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	d.running = true
	return nil
}

func (d *DiscordAdapter) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	if d.session != nil {
		d.session.Close()
	}
	close(d.incoming)
	d.running = false
	return nil
}

func (d *DiscordAdapter) SendMessage(userID string, resp *channel.Response) error {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	_, err = d.session.ChannelMessageSend(ch.ID, resp.Content)
	return err
}

func (d *DiscordAdapter) Incoming() <-chan *channel.Message {
	return d.incoming
}

func (d *DiscordAdapter) isMentioned(botID string, mentions []*discordgo.User) bool {
	for _, mention := range mentions {
		if mention.ID == botID {
			return true
		}
	}
	return false
}

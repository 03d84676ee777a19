package gateway

import (
	"context"
	"log"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordLimit stays under the 2000 character message cap.
const discordLimit = 1900

// DiscordGateway answers direct messages and messages that mention the bot.
type DiscordGateway struct {
	Session *discordgo.Session
	Handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDiscordGateway(token string, handler Handler) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	dg := &DiscordGateway{Session: session, Handler: handler, ctx: ctx, cancel: cancel}
	session.AddHandler(dg.onMessage)
	return dg, nil
}

// Start opens the websocket and blocks until Stop.
func (dg *DiscordGateway) Start() error {
	if err := dg.Session.Open(); err != nil {
		return err
	}
	log.Printf("Discord connected as %s", dg.Session.State.User.Username)
	<-dg.ctx.Done()
	return nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	text, ok := addressed(s.State.User.ID, m)
	if !ok {
		return
	}
	log.Printf("[discord:%s] %s", m.Author.Username, text)

	s.ChannelTyping(m.ChannelID)
	response, err := dg.Handler.Handle(dg.ctx, m.ChannelID, text)
	if err != nil {
		log.Printf("Error handling message: %v", err)
		response = "I'm having trouble with that right now..."
	}
	if err := dg.Send(m.ChannelID, response); err != nil {
		log.Printf("Error replying to %s: %v", m.ChannelID, err)
	}
}

// addressed returns the message text without the bot mention when the
// message is a DM or mentions the bot.
func addressed(botID string, m *discordgo.MessageCreate) (string, bool) {
	if m.GuildID == "" {
		return strings.TrimSpace(m.Content), true
	}
	for _, u := range m.Mentions {
		if u.ID == botID {
			text := strings.NewReplacer("<@"+botID+">", "", "<@!"+botID+">", "").Replace(m.Content)
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

func (dg *DiscordGateway) Send(channelID string, text string) error {
	for _, part := range chunk(text, discordLimit) {
		if _, err := dg.Session.ChannelMessageSend(channelID, part); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	dg.cancel()
	return dg.Session.Close()
}

package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramLimit stays under the 4096 character message cap.
const telegramLimit = 4000

type TelegramGateway struct {
	Bot     *tgbotapi.BotAPI
	Handler Handler

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTelegramGateway(token string, handler Handler) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	ctx, cancel := context.WithCancel(context.Background())
	return &TelegramGateway{
		Bot:     bot,
		Handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)

		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		typing := tgbotapi.NewChatAction(update.Message.Chat.ID, tgbotapi.ChatTyping)
		tg.Bot.Request(typing)

		response, err := tg.Handler.Handle(tg.ctx, chatID, update.Message.Text)
		if err != nil {
			log.Printf("Error handling message: %v", err)
			response = "I'm having trouble with that right now..."
		}
		if err := tg.reply(update.Message.Chat.ID, response, ""); err != nil {
			log.Printf("Error replying to %s: %v", chatID, err)
		}
	}
	return nil
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	// Enable markdown for better alerts
	return tg.reply(id, text, tgbotapi.ModeMarkdown)
}

func (tg *TelegramGateway) reply(chatID int64, text, mode string) error {
	for _, part := range chunk(text, telegramLimit) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = mode
		if _, err := tg.Bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (tg *TelegramGateway) Stop() error {
	tg.cancel()
	tg.Bot.StopReceivingUpdates()
	return nil
}

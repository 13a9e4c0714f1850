package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

const (
	textLimit    = 4096
	captionLimit = 1024
	albumLimit   = 10
)

// botAPI is the subset of *tele.Bot used for delivery.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
}

type Config struct {
	BotToken      string
	APIURL        string
	Timeout       time.Duration
	RatePerSecond int
}

// Publisher delivers publications to a Telegram chat or channel through the Bot API.
type Publisher struct {
	config  Config
	media   media.Store
	logger  *zap.Logger
	limiter *rate.Limiter

	newBot func(token string) (botAPI, error)

	mu   sync.Mutex
	bots map[string]botAPI
}

func NewPublisher(config Config, store media.Store, logger *zap.Logger) *Publisher {
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 20
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	p := &Publisher{
		config:  config,
		media:   store,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond),
		bots:    make(map[string]botAPI),
	}
	p.newBot = func(token string) (botAPI, error) {
		return tele.NewBot(tele.Settings{
			URL:     config.APIURL,
			Token:   token,
			Offline: true,
			Client:  &http.Client{Timeout: config.Timeout},
		})
	}
	return p
}

func (p *Publisher) GetPlatformName() models.ChannelType {
	return models.ChannelTypeTelegram
}

func (p *Publisher) ClassifyError(code int) publisher.ErrorClass {
	if code >= 500 {
		return publisher.ErrorClassTransient
	}
	return errorTable.Classify(code)
}

func (p *Publisher) Publish(ctx context.Context, target *models.PublicationTarget, publication *models.Publication, channel *models.Channel) publisher.PublishResult {
	log := p.logger.With(
		zap.Uint("publication_id", publication.ID),
		zap.Uint("target_id", target.ID),
	)

	var defaults map[string]string
	if p.config.BotToken != "" {
		defaults = map[string]string{"bot_token": p.config.BotToken}
	}
	creds, err := publisher.ResolveCredentials(target, channel, defaults, "bot_token")
	if err != nil {
		return publisher.PermanentFailure("telegram credentials: %v", err)
	}

	chatID := strings.TrimSpace(channel.Address)
	if chatID == "" {
		return publisher.PermanentFailure("telegram channel %d has no chat id", channel.ID)
	}

	bot, err := p.bot(creds["bot_token"])
	if err != nil {
		return publisher.TransientFailure("telegram client: %v", err)
	}

	d := &delivery{
		ctx:     ctx,
		bot:     bot,
		to:      recipient(chatID),
		media:   p.media,
		limiter: p.limiter,
	}
	if err := d.run(publication); err != nil {
		return p.failure(log, err)
	}

	log.Info("Delivered to Telegram",
		zap.String("chat", chatID),
		zap.Int("messages", d.sent))
	return publisher.Succeeded(strconv.Itoa(d.firstID), map[string]string{
		"chat_id":  chatID,
		"messages": strconv.Itoa(d.sent),
	})
}

// bot returns a cached client per token.
func (p *Publisher) bot(token string) (botAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.bots[token]; ok {
		return b, nil
	}
	b, err := p.newBot(token)
	if err != nil {
		return nil, err
	}
	p.bots[token] = b
	return b, nil
}

func (p *Publisher) failure(log *zap.Logger, err error) publisher.PublishResult {
	switch {
	case errors.Is(err, media.ErrNotFound), errors.Is(err, errEmptyMessage):
		return publisher.PermanentFailure("%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return publisher.TransientFailure("timeout")
	case errors.Is(err, context.Canceled):
		return publisher.TransientFailure("canceled")
	}

	code := errorCode(err)
	class := p.ClassifyError(code)
	log.Warn("Telegram delivery failed",
		zap.Int("code", code),
		zap.String("class", class.String()),
		zap.Error(err))
	return publisher.Failure(class, err.Error())
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

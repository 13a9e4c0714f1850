package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/telegram"
	"github.com/ifuryst/crosspost/internal/service/publisher/wechat_official"
)

// PublisherService builds the publisher registry from configuration.
type PublisherService struct {
	logger   *zap.Logger
	config   *config.Config
	media    media.Store
	registry *publisher.Registry
}

func NewPublisherService(cfg *config.Config, store media.Store, logger *zap.Logger) *PublisherService {
	service := &PublisherService{
		logger:   logger,
		config:   cfg,
		media:    store,
		registry: publisher.NewRegistry(logger),
	}

	service.registerPublishers()

	return service
}

// Registry is the resolver handed to the dispatch coordinator.
func (s *PublisherService) Registry() *publisher.Registry {
	return s.registry
}

// registerPublishers registers every known platform. Disabled platforms stay registered
// so their targets fail permanently instead of as unknown platforms.
func (s *PublisherService) registerPublishers() {
	tg := s.config.Publisher.Telegram
	telegramTimeout := time.Duration(tg.TimeoutSeconds) * time.Second
	telegramPublisher := telegram.NewPublisher(telegram.Config{
		BotToken:      tg.BotToken,
		APIURL:        tg.APIURL,
		Timeout:       telegramTimeout,
		RatePerSecond: tg.RatePerSecond,
	}, s.media, s.logger.Named("telegram"))
	if err := s.registry.RegisterPublisher(telegramPublisher, publisher.PublishConfig{
		Enabled: tg.Enabled,
		Timeout: telegramTimeout,
	}); err != nil {
		s.logger.Error("Failed to register Telegram publisher", zap.Error(err))
	}

	wc := s.config.Publisher.WeChatOfficial
	wechatTimeout := time.Duration(wc.TimeoutSeconds) * time.Second
	wechatPublisher := wechat_official.NewWeChatOfficialPublisher(wechat_official.Config{
		AppID:               wc.AppID,
		AppSecret:           wc.AppSecret,
		APIURL:              wc.APIURL,
		Timeout:             wechatTimeout,
		RatePerSecond:       wc.RatePerSecond,
		AutoPublish:         wc.AutoPublish,
		NeedOpenComment:     wc.NeedOpenComment,
		OnlyFansCanComment:  wc.OnlyFansCanComment,
		DefaultThumbMediaID: wc.DefaultThumbMediaID,
		Author:              wc.Author,
	}, s.media, s.logger.Named("wechat_official"))
	if err := s.registry.RegisterPublisher(wechatPublisher, publisher.PublishConfig{
		Enabled: wc.Enabled,
		Timeout: wechatTimeout,
	}); err != nil {
		s.logger.Error("Failed to register WeChat Official Account publisher", zap.Error(err))
	}

	s.logger.Info("Publishers configured",
		zap.Bool("telegram", tg.Enabled),
		zap.Bool("wechat_official", wc.Enabled))
}

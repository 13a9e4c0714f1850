package wechat_official

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/pkg/util"
)

var errorTable = publisher.ErrorTable{
	40001: publisher.ErrorClassPermanent, // invalid credential
	40013: publisher.ErrorClassPermanent, // invalid appid
	40125: publisher.ErrorClassPermanent, // invalid appsecret
	40164: publisher.ErrorClassPermanent, // caller ip not whitelisted
	48001: publisher.ErrorClassPermanent, // api unauthorized
	40007: publisher.ErrorClassPermanent, // invalid media_id
	44002: publisher.ErrorClassPermanent, // empty post data
	44003: publisher.ErrorClassPermanent, // empty news data
	45001: publisher.ErrorClassPermanent, // media size out of limit
	45002: publisher.ErrorClassPermanent, // content size out of limit
	45003: publisher.ErrorClassPermanent, // title size out of limit
	45004: publisher.ErrorClassPermanent, // description size out of limit
	-1:    publisher.ErrorClassTransient, // system busy
	45009: publisher.ErrorClassTransient, // api daily quota reached
	45011: publisher.ErrorClassTransient, // api minute quota reached
	42001: publisher.ErrorClassTransient, // access_token expired
	40014: publisher.ErrorClassTransient, // invalid access_token
}

// Codes after which the cached access token must not be reused.
var tokenErrors = map[int]bool{40001: true, 40014: true, 42001: true}

// WeChat API request/response structures
type WeChatAccessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	apiStatus
}

type WeChatDraftAddRequest struct {
	Articles []WeChatArticle `json:"articles"`
}

type WeChatArticle struct {
	Title              string `json:"title"`
	Author             string `json:"author"`
	Digest             string `json:"digest"`
	Content            string `json:"content"`
	ContentSourceURL   string `json:"content_source_url"`
	ThumbMediaID       string `json:"thumb_media_id"`
	ShowCoverPic       int    `json:"show_cover_pic"`
	NeedOpenComment    int    `json:"need_open_comment"`
	OnlyFansCanComment int    `json:"only_fans_can_comment"`
}

type WeChatDraftResponse struct {
	MediaID string `json:"media_id"`
	apiStatus
}

type WeChatPublishRequest struct {
	MediaID string `json:"media_id"`
}

type WeChatPublishResponse struct {
	PublishID string `json:"publish_id"`
	MsgID     string `json:"msg_id"`
	apiStatus
}

type Config struct {
	AppID               string
	AppSecret           string
	APIURL              string
	Timeout             time.Duration
	RatePerSecond       int
	AutoPublish         bool
	NeedOpenComment     int
	OnlyFansCanComment  int
	DefaultThumbMediaID string
	Author              string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// WeChatOfficialPublisher handles publishing to WeChat Official Account
type WeChatOfficialPublisher struct {
	config         Config
	logger         *zap.Logger
	api            *apiClient
	transformer    *Transformer
	mediaProcessor *MediaProcessor
	now            func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

func NewWeChatOfficialPublisher(config Config, store media.Store, logger *zap.Logger) *WeChatOfficialPublisher {
	if config.APIURL == "" {
		config.APIURL = "https://api.weixin.qq.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}

	api := &apiClient{
		baseURL: config.APIURL,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond),
	}
	return &WeChatOfficialPublisher{
		config:         config,
		logger:         logger,
		api:            api,
		transformer:    NewTransformer(),
		mediaProcessor: NewMediaProcessor(api, store, logger),
		now:            time.Now,
		tokens:         make(map[string]cachedToken),
	}
}

func (p *WeChatOfficialPublisher) GetPlatformName() models.ChannelType {
	return models.ChannelTypeWeChatOfficial
}

func (p *WeChatOfficialPublisher) ClassifyError(code int) publisher.ErrorClass {
	return errorTable.Classify(code)
}

func (p *WeChatOfficialPublisher) Publish(ctx context.Context, target *models.PublicationTarget, publication *models.Publication, channel *models.Channel) publisher.PublishResult {
	log := p.logger.With(
		zap.Uint("publication_id", publication.ID),
		zap.Uint("target_id", target.ID),
	)

	var defaults map[string]string
	if p.config.AppID != "" && p.config.AppSecret != "" {
		defaults = map[string]string{"app_id": p.config.AppID, "app_secret": p.config.AppSecret}
	}
	creds, err := publisher.ResolveCredentials(target, channel, defaults, "app_id", "app_secret")
	if err != nil {
		return publisher.PermanentFailure("wechat credentials: %v", err)
	}
	options, err := util.ParseJSONObject(target.Params)
	if err != nil {
		return publisher.PermanentFailure("target params: %v", err)
	}

	appID := creds["app_id"]
	accessToken, err := p.getAccessToken(ctx, appID, creds["app_secret"])
	if err != nil {
		return p.failure(log, appID, fmt.Errorf("failed to get access token: %w", err))
	}

	images, err := p.mediaProcessor.Process(ctx, accessToken, publication.Media)
	if err != nil {
		return p.failure(log, appID, fmt.Errorf("media processing failed: %w", err))
	}

	articles, err := p.transformer.Transform(publication.Title, publication.Body, images.URLs)
	if err != nil {
		return publisher.PermanentFailure("content transformation failed: %v", err)
	}

	thumb := images.ThumbMediaID
	if thumb == "" {
		thumb = firstNonEmpty(options["thumb_media_id"], p.config.DefaultThumbMediaID)
	}
	if thumb == "" {
		log.Warn("No thumb media_id available, creating draft without thumbnail")
	}

	draft := WeChatDraftAddRequest{}
	for _, a := range articles {
		draft.Articles = append(draft.Articles, WeChatArticle{
			Title:              a.Title,
			Author:             firstNonEmpty(options["author"], p.config.Author),
			Digest:             a.Digest,
			Content:            a.Content,
			ContentSourceURL:   options["source_url"],
			ThumbMediaID:       thumb,
			ShowCoverPic:       1,
			NeedOpenComment:    p.getIntConfig(options["need_open_comment"], p.config.NeedOpenComment),
			OnlyFansCanComment: p.getIntConfig(options["only_fans_can_comment"], p.config.OnlyFansCanComment),
		})
	}

	mediaID, err := p.addDraft(ctx, accessToken, draft)
	if err != nil {
		return p.failure(log, appID, fmt.Errorf("failed to create WeChat draft: %w", err))
	}
	log.Info("Draft saved successfully",
		zap.String("media_id", mediaID),
		zap.Int("articles", len(draft.Articles)))

	metadata := map[string]string{
		"media_id":     mediaID,
		"platform":     string(models.ChannelTypeWeChatOfficial),
		"draft_status": "saved",
		"articles":     fmt.Sprint(len(draft.Articles)),
	}

	if p.getIntConfig(options["auto_publish"], boolToInt(p.config.AutoPublish)) != 1 {
		return publisher.Succeeded(mediaID, metadata)
	}

	published, err := p.publishDraft(ctx, accessToken, WeChatPublishRequest{MediaID: mediaID})
	if err != nil {
		// The draft exists; a retry would only create a duplicate.
		metadata["publish_error"] = err.Error()
		log.Warn("Auto-publish failed but draft created successfully",
			zap.String("draft_id", mediaID),
			zap.Error(err))
		return publisher.Succeeded(mediaID, metadata)
	}

	log.Info("Content published successfully",
		zap.String("publish_id", published.PublishID),
		zap.String("msg_id", published.MsgID))
	metadata["publish_id"] = published.PublishID
	metadata["msg_id"] = published.MsgID
	return publisher.Succeeded(published.PublishID, metadata)
}

func (p *WeChatOfficialPublisher) failure(log *zap.Logger, appID string, err error) publisher.PublishResult {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if tokenErrors[apiErr.Code] {
			p.invalidateToken(appID)
		}
		class := p.ClassifyError(apiErr.Code)
		log.Warn("WeChat API call failed",
			zap.Int("errcode", apiErr.Code),
			zap.String("class", class.String()),
			zap.Error(err))
		return publisher.Failure(class, err.Error())
	case errors.Is(err, media.ErrNotFound):
		return publisher.PermanentFailure("%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return publisher.TransientFailure("timeout")
	case errors.Is(err, context.Canceled):
		return publisher.TransientFailure("canceled")
	default:
		log.Warn("WeChat delivery failed", zap.Error(err))
		return publisher.TransientFailure("%v", err)
	}
}

// getAccessToken returns a cached token per app id, refreshing it shortly before expiry.
func (p *WeChatOfficialPublisher) getAccessToken(ctx context.Context, appID, appSecret string) (string, error) {
	p.mu.Lock()
	cached, ok := p.tokens[appID]
	p.mu.Unlock()
	if ok && p.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	query := url.Values{
		"grant_type": {"client_credential"},
		"appid":      {appID},
		"secret":     {appSecret},
	}
	var tokenResponse WeChatAccessTokenResponse
	if err := p.api.do(ctx, http.MethodGet, "/cgi-bin/token", query, "", nil, &tokenResponse); err != nil {
		return "", err
	}
	if tokenResponse.AccessToken == "" {
		return "", fmt.Errorf("empty access token returned")
	}

	ttl := time.Duration(tokenResponse.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	ttl -= ttl / 10

	p.mu.Lock()
	p.tokens[appID] = cachedToken{value: tokenResponse.AccessToken, expiresAt: p.now().Add(ttl)}
	p.mu.Unlock()
	return tokenResponse.AccessToken, nil
}

func (p *WeChatOfficialPublisher) invalidateToken(appID string) {
	p.mu.Lock()
	delete(p.tokens, appID)
	p.mu.Unlock()
}

func (p *WeChatOfficialPublisher) addDraft(ctx context.Context, accessToken string, draftRequest WeChatDraftAddRequest) (string, error) {
	var draftResponse WeChatDraftResponse
	err := p.api.postJSON(ctx, "/cgi-bin/draft/add", url.Values{"access_token": {accessToken}}, draftRequest, &draftResponse)
	if err != nil {
		return "", err
	}
	return draftResponse.MediaID, nil
}

func (p *WeChatOfficialPublisher) publishDraft(ctx context.Context, accessToken string, publishRequest WeChatPublishRequest) (*WeChatPublishResponse, error) {
	var publishResponse WeChatPublishResponse
	err := p.api.postJSON(ctx, "/cgi-bin/freepublish/submit", url.Values{"access_token": {accessToken}}, publishRequest, &publishResponse)
	if err != nil {
		return nil, err
	}
	return &publishResponse, nil
}

func (p *WeChatOfficialPublisher) getIntConfig(value string, defaultValue int) int {
	switch strings.TrimSpace(value) {
	case "true", "1":
		return 1
	case "false", "0":
		return 0
	}
	return defaultValue
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

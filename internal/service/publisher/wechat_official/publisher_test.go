package wechat_official

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type fakeMedia map[string]string

func (f fakeMedia) Open(_ context.Context, fileID string) (io.ReadCloser, error) {
	data, ok := f[fileID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fileID, media.ErrNotFound)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

// fakeWeChat serves the subset of the WeChat API used by the publisher.
type fakeWeChat struct {
	mu        sync.Mutex
	calls     map[string]int
	appIDs    []string
	drafts    []WeChatDraftAddRequest
	uploads   []string
	failOn    map[string]int // endpoint -> errcode
	tokenSeq  int
	serverErr bool
}

func newFakeWeChat() *fakeWeChat {
	return &fakeWeChat{calls: make(map[string]int), failOn: make(map[string]int)}
}

func (f *fakeWeChat) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeWeChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[r.URL.Path]++
	if f.serverErr {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if code, ok := f.failOn[r.URL.Path]; ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": code, "errmsg": "fake failure"})
		return
	}

	switch r.URL.Path {
	case "/cgi-bin/token":
		f.appIDs = append(f.appIDs, r.URL.Query().Get("appid"))
		f.tokenSeq++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", f.tokenSeq),
			"expires_in":   7200,
		})
	case "/cgi-bin/material/add_material":
		_, header, err := r.FormFile("media")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"media_id": "thumb-" + header.Filename})
	case "/cgi-bin/media/uploadimg":
		_, header, err := r.FormFile("media")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.uploads = append(f.uploads, header.Filename)
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://mmbiz.example/" + header.Filename})
	case "/cgi-bin/draft/add":
		var req WeChatDraftAddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.drafts = append(f.drafts, req)
		_ = json.NewEncoder(w).Encode(map[string]any{"media_id": fmt.Sprintf("draft-%d", len(f.drafts))})
	case "/cgi-bin/freepublish/submit":
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "publish_id": "pub-1", "msg_id": "msg-1"})
	default:
		http.NotFound(w, r)
	}
}

func newTestPublisher(t *testing.T, api *fakeWeChat, files fakeMedia, cfg Config) *WeChatOfficialPublisher {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.APIURL = srv.URL
	cfg.RatePerSecond = 1000
	if cfg.AppID == "" {
		cfg.AppID, cfg.AppSecret = "default-app", "default-secret"
	}
	return NewWeChatOfficialPublisher(cfg, files, zap.NewNop())
}

func fixture() (*models.PublicationTarget, *models.Publication, *models.Channel) {
	target := &models.PublicationTarget{ID: 7, PublicationID: 3, ChannelID: 1, ChannelType: models.ChannelTypeWeChatOfficial}
	pub := &models.Publication{ID: 3, Title: "Weekly notes", Body: "First paragraph.\n\nSecond paragraph."}
	channel := &models.Channel{ID: 1, Type: models.ChannelTypeWeChatOfficial}
	return target, pub, channel
}

func TestPublishCreatesDraft(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{Author: "Desk"})
	target, pub, channel := fixture()

	result := p.Publish(context.Background(), target, pub, channel)

	require.True(t, result.Success, result.ErrorMsg)
	assert.Equal(t, "draft-1", result.PublishID)
	assert.Equal(t, "saved", result.Metadata["draft_status"])
	assert.Equal(t, 0, api.count("/cgi-bin/freepublish/submit"))

	require.Len(t, api.drafts, 1)
	require.Len(t, api.drafts[0].Articles, 1)
	article := api.drafts[0].Articles[0]
	assert.Equal(t, "Weekly notes", article.Title)
	assert.Equal(t, "Desk", article.Author)
	assert.Equal(t, "First paragraph.", article.Digest)
	assert.Contains(t, article.Content, "Second paragraph.")
}

func TestPublishUploadsImagesAndSkipsOtherMedia(t *testing.T) {
	api := newFakeWeChat()
	files := fakeMedia{"a.png": "png-a", "b.jpg": "jpg-b", "c.mp4": "video"}
	p := newTestPublisher(t, api, files, Config{})
	target, pub, channel := fixture()
	pub.Media = []models.MediaFile{
		{FileID: "a.png", Kind: models.MediaKindImage},
		{FileID: "c.mp4", Kind: models.MediaKindVideo},
		{FileID: "b.jpg", FileName: "cover.jpg", Kind: models.MediaKindImage},
	}

	result := p.Publish(context.Background(), target, pub, channel)

	require.True(t, result.Success, result.ErrorMsg)
	assert.Equal(t, 1, api.count("/cgi-bin/material/add_material"))
	assert.Equal(t, []string{"a.png", "cover.jpg"}, api.uploads)

	article := api.drafts[0].Articles[0]
	assert.Equal(t, "thumb-a.png", article.ThumbMediaID)
	assert.Contains(t, article.Content, "https://mmbiz.example/a.png")
	assert.Contains(t, article.Content, "https://mmbiz.example/cover.jpg")
}

func TestPublishAutoPublish(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()
	target.Params = `{"auto_publish": true, "need_open_comment": 1}`

	result := p.Publish(context.Background(), target, pub, channel)

	require.True(t, result.Success, result.ErrorMsg)
	assert.Equal(t, "pub-1", result.PublishID)
	assert.Equal(t, "draft-1", result.Metadata["media_id"])
	assert.Equal(t, "msg-1", result.Metadata["msg_id"])
	assert.Equal(t, 1, api.drafts[0].Articles[0].NeedOpenComment)
}

func TestPublishAutoPublishFailureKeepsDraft(t *testing.T) {
	api := newFakeWeChat()
	api.failOn["/cgi-bin/freepublish/submit"] = 48001
	p := newTestPublisher(t, api, nil, Config{AutoPublish: true})
	target, pub, channel := fixture()

	result := p.Publish(context.Background(), target, pub, channel)

	require.True(t, result.Success)
	assert.Equal(t, "draft-1", result.PublishID)
	assert.Contains(t, result.Metadata["publish_error"], "48001")
}

func TestPublishCredentialPrecedence(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()
	channel.Credentials = `{"app_id": "channel-app", "app_secret": "s1"}`

	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)

	target.Params = `{"app_id": "target-app", "app_secret": "s2"}`
	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)

	// cached token for channel-app is reused
	target.Params = ""
	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)

	assert.Equal(t, []string{"channel-app", "target-app"}, api.appIDs)
}

func TestPublishMissingCredentials(t *testing.T) {
	api := newFakeWeChat()
	srv := httptest.NewServer(api)
	defer srv.Close()
	p := NewWeChatOfficialPublisher(Config{APIURL: srv.URL}, nil, zap.NewNop())
	target, pub, channel := fixture()

	result := p.Publish(context.Background(), target, pub, channel)

	assert.False(t, result.Success)
	assert.True(t, result.IsPermanentError)
	assert.Equal(t, 0, api.count("/cgi-bin/token"))
}

func TestPublishErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		endpoint  string
		code      int
		permanent bool
	}{
		{"invalid app secret", "/cgi-bin/token", 40125, true},
		{"ip not whitelisted", "/cgi-bin/token", 40164, true},
		{"system busy", "/cgi-bin/token", -1, false},
		{"minute quota", "/cgi-bin/draft/add", 45011, false},
		{"content too large", "/cgi-bin/draft/add", 45002, true},
		{"unknown code", "/cgi-bin/draft/add", 99999, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeWeChat()
			api.failOn[tt.endpoint] = tt.code
			p := newTestPublisher(t, api, nil, Config{})
			target, pub, channel := fixture()

			result := p.Publish(context.Background(), target, pub, channel)

			assert.False(t, result.Success)
			assert.Equal(t, tt.permanent, result.IsPermanentError)
			assert.Contains(t, result.ErrorMsg, fmt.Sprint(tt.code))
		})
	}
}

func TestPublishExpiredTokenIsRefreshed(t *testing.T) {
	api := newFakeWeChat()
	api.failOn["/cgi-bin/draft/add"] = 42001
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()

	result := p.Publish(context.Background(), target, pub, channel)
	assert.False(t, result.Success)
	assert.False(t, result.IsPermanentError)

	api.mu.Lock()
	delete(api.failOn, "/cgi-bin/draft/add")
	api.mu.Unlock()

	result = p.Publish(context.Background(), target, pub, channel)
	require.True(t, result.Success, result.ErrorMsg)
	assert.Equal(t, 2, api.count("/cgi-bin/token"))
}

func TestPublishTokenCacheExpiry(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	target, pub, channel := fixture()

	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)
	now = now.Add(time.Hour)
	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)
	assert.Equal(t, 1, api.count("/cgi-bin/token"))

	now = now.Add(2 * time.Hour)
	require.True(t, p.Publish(context.Background(), target, pub, channel).Success)
	assert.Equal(t, 2, api.count("/cgi-bin/token"))
}

func TestPublishServerErrorIsTransient(t *testing.T) {
	api := newFakeWeChat()
	api.serverErr = true
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()

	result := p.Publish(context.Background(), target, pub, channel)

	assert.False(t, result.Success)
	assert.False(t, result.IsPermanentError)
	assert.Contains(t, result.ErrorMsg, "502")
}

func TestPublishMissingMediaIsPermanent(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, fakeMedia{}, Config{})
	target, pub, channel := fixture()
	pub.Media = []models.MediaFile{{FileID: "gone.png", Kind: models.MediaKindImage}}

	result := p.Publish(context.Background(), target, pub, channel)

	assert.False(t, result.Success)
	assert.True(t, result.IsPermanentError)
	assert.Empty(t, api.drafts)
}

func TestPublishEmptyTitleIsPermanent(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()
	pub.Title = "  "

	result := p.Publish(context.Background(), target, pub, channel)

	assert.False(t, result.Success)
	assert.True(t, result.IsPermanentError)
	assert.Empty(t, api.drafts)
}

func TestPublishCanceledContext(t *testing.T) {
	api := newFakeWeChat()
	p := newTestPublisher(t, api, nil, Config{})
	target, pub, channel := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := p.Publish(ctx, target, pub, channel)

	assert.False(t, result.Success)
	assert.False(t, result.IsPermanentError)
	assert.Equal(t, "canceled", result.ErrorMsg)
}

func TestClassifyError(t *testing.T) {
	p := NewWeChatOfficialPublisher(Config{}, nil, zap.NewNop())

	assert.Equal(t, models.ChannelTypeWeChatOfficial, p.GetPlatformName())
	assert.Equal(t, publisher.ErrorClassPermanent, p.ClassifyError(40001))
	assert.Equal(t, publisher.ErrorClassTransient, p.ClassifyError(40014))
	assert.Equal(t, publisher.ErrorClassTransient, p.ClassifyError(12345))
}

package wechat_official

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/media"
)

// maxArticleImages bounds how many images are embedded into one draft.
const maxArticleImages = 10

// WeChatMaterialAddResponse represents permanent material upload response
type WeChatMaterialAddResponse struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
	apiStatus
}

// WeChatUploadImageResponse represents uploadimg API response
type WeChatUploadImageResponse struct {
	URL string `json:"url"`
	apiStatus
}

// MediaProcessor uploads publication images from the media store to WeChat.
type MediaProcessor struct {
	api    *apiClient
	media  media.Store
	logger *zap.Logger
}

func NewMediaProcessor(api *apiClient, store media.Store, logger *zap.Logger) *MediaProcessor {
	return &MediaProcessor{api: api, media: store, logger: logger}
}

// UploadedImages is the result of uploading a publication's images.
type UploadedImages struct {
	ThumbMediaID string
	URLs         []string
}

// Process uploads the first image as the cover thumb and every image (up to
// maxArticleImages) for embedding. Files articles cannot show are skipped.
func (p *MediaProcessor) Process(ctx context.Context, accessToken string, files []models.MediaFile) (*UploadedImages, error) {
	var images []models.MediaFile
	for _, f := range files {
		if f.Kind != models.MediaKindImage {
			p.logger.Warn("Skipping media not supported by WeChat articles",
				zap.String("file_id", f.FileID),
				zap.String("kind", string(f.Kind)))
			continue
		}
		images = append(images, f)
	}
	if len(images) > maxArticleImages {
		p.logger.Warn("Too many images for one article, extra images dropped",
			zap.Int("images", len(images)),
			zap.Int("limit", maxArticleImages))
		images = images[:maxArticleImages]
	}

	out := &UploadedImages{}
	if len(images) == 0 {
		return out, nil
	}

	thumbID, err := p.uploadThumbMaterial(ctx, accessToken, images[0])
	if err != nil {
		return nil, err
	}
	out.ThumbMediaID = thumbID

	for _, img := range images {
		u, err := p.uploadImage(ctx, accessToken, img)
		if err != nil {
			return nil, err
		}
		out.URLs = append(out.URLs, u)
	}

	p.logger.Info("Processed WeChat images",
		zap.Int("image_count", len(out.URLs)),
		zap.String("thumb_media_id", thumbID))
	return out, nil
}

// uploadThumbMaterial uploads image as thumb material for WeChat articles
func (p *MediaProcessor) uploadThumbMaterial(ctx context.Context, accessToken string, file models.MediaFile) (string, error) {
	query := url.Values{"access_token": {accessToken}, "type": {"thumb"}}

	var resp WeChatMaterialAddResponse
	if err := p.upload(ctx, "/cgi-bin/material/add_material", query, file, &resp); err != nil {
		return "", fmt.Errorf("upload thumb %s: %w", file.FileID, err)
	}
	return resp.MediaID, nil
}

// uploadImage uploads image using the uploadimg API to get permanent URL
func (p *MediaProcessor) uploadImage(ctx context.Context, accessToken string, file models.MediaFile) (string, error) {
	query := url.Values{"access_token": {accessToken}}

	var resp WeChatUploadImageResponse
	if err := p.upload(ctx, "/cgi-bin/media/uploadimg", query, file, &resp); err != nil {
		return "", fmt.Errorf("upload image %s: %w", file.FileID, err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("empty URL returned from WeChat upload for %s", file.FileID)
	}
	return resp.URL, nil
}

func (p *MediaProcessor) upload(ctx context.Context, endpoint string, query url.Values, file models.MediaFile, out apiResponse) error {
	rc, err := p.media.Open(ctx, file.FileID)
	if err != nil {
		return err
	}
	defer rc.Close()

	name := file.FileName
	if name == "" {
		name = path.Base(file.FileID)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("media", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return p.api.do(ctx, http.MethodPost, endpoint, query, writer.FormDataContentType(), body, out)
}

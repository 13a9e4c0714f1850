package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/pkg/util"
)

// PublishResult is the only thing a Publisher ever returns.
type PublishResult struct {
	Success bool `json:"success"`
	// Meaningful only when Success is false.
	IsPermanentError bool              `json:"is_permanent_error"`
	ErrorMsg         string            `json:"error,omitempty"`
	PublishID        string            `json:"publish_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	PublishedAt      time.Time         `json:"published_at"`
}

func Succeeded(publishID string, metadata map[string]string) PublishResult {
	return PublishResult{
		Success:     true,
		PublishID:   publishID,
		Metadata:    metadata,
		PublishedAt: time.Now(),
	}
}

func PermanentFailure(format string, args ...any) PublishResult {
	return PublishResult{IsPermanentError: true, ErrorMsg: fmt.Sprintf(format, args...)}
}

func TransientFailure(format string, args ...any) PublishResult {
	return PublishResult{ErrorMsg: fmt.Sprintf(format, args...)}
}

// Failure builds a failed result whose permanence follows class.
func Failure(class ErrorClass, msg string) PublishResult {
	return PublishResult{IsPermanentError: class == ErrorClassPermanent, ErrorMsg: msg}
}

// Publisher delivers one target of a publication to one platform.
// Publish must never panic or block past ctx; every failure is reported through the result.
type Publisher interface {
	GetPlatformName() models.ChannelType
	Publish(ctx context.Context, target *models.PublicationTarget, publication *models.Publication, channel *models.Channel) PublishResult
	ClassifyError(code int) ErrorClass
}

type ErrorClass int

const (
	ErrorClassTransient ErrorClass = iota
	ErrorClassPermanent
)

func (c ErrorClass) String() string {
	if c == ErrorClassPermanent {
		return "permanent"
	}
	return "transient"
}

// ErrorTable maps platform error codes to their class. Unlisted codes are transient.
type ErrorTable map[int]ErrorClass

func (t ErrorTable) Classify(code int) ErrorClass {
	if class, ok := t[code]; ok {
		return class
	}
	return ErrorClassTransient
}

// ResolveCredentials picks the first source that carries every required key:
// the target's parameter overrides, then the channel's stored credentials, then defaults.
// Malformed override JSON is reported as an error since retrying cannot fix it.
func ResolveCredentials(target *models.PublicationTarget, channel *models.Channel, defaults map[string]string, keys ...string) (map[string]string, error) {
	var sources []map[string]string

	if target != nil {
		params, err := util.ParseJSONObject(target.Params)
		if err != nil {
			return nil, fmt.Errorf("target %d params: %w", target.ID, err)
		}
		sources = append(sources, params)
	}
	if channel != nil {
		creds, err := util.ParseJSONObject(channel.Credentials)
		if err != nil {
			return nil, fmt.Errorf("channel %d credentials: %w", channel.ID, err)
		}
		sources = append(sources, creds)
	}
	sources = append(sources, defaults)

	for _, src := range sources {
		if hasAll(src, keys) {
			return src, nil
		}
	}
	return nil, fmt.Errorf("no credentials configured (need %v)", keys)
}

func hasAll(src map[string]string, keys []string) bool {
	for _, k := range keys {
		if src[k] == "" {
			return false
		}
	}
	return true
}

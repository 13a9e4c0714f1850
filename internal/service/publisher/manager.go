package publisher

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

var (
	ErrPublisherNotFound = errors.New("publisher not found")
	ErrPublisherDisabled = errors.New("publisher disabled")
)

// PublishConfig is the per-platform configuration the registry hands out with each publisher.
type PublishConfig struct {
	PlatformName models.ChannelType
	Enabled      bool
	// Timeout bounds a single Publish call.
	Timeout time.Duration
}

// Registry resolves a channel type to its Publisher.
type Registry struct {
	mu         sync.RWMutex
	publishers map[models.ChannelType]Publisher
	configs    map[models.ChannelType]PublishConfig
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		publishers: make(map[models.ChannelType]Publisher),
		configs:    make(map[models.ChannelType]PublishConfig),
		logger:     logger,
	}
}

func (r *Registry) RegisterPublisher(publisher Publisher, config PublishConfig) error {
	platformName := publisher.GetPlatformName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.publishers[platformName]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platformName)
	}

	config.PlatformName = platformName
	r.publishers[platformName] = publisher
	r.configs[platformName] = config
	r.logger.Info("Publisher registered",
		zap.String("platform", string(platformName)),
		zap.Bool("enabled", config.Enabled),
		zap.Duration("timeout", config.Timeout))
	return nil
}

// Resolve returns the publisher for channelType together with its per-call configuration.
func (r *Registry) Resolve(channelType models.ChannelType) (Publisher, PublishConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	publisher, exists := r.publishers[channelType]
	if !exists {
		return nil, PublishConfig{}, fmt.Errorf("%w: %s", ErrPublisherNotFound, channelType)
	}
	config := r.configs[channelType]
	if !config.Enabled {
		return nil, config, fmt.Errorf("%w: %s", ErrPublisherDisabled, channelType)
	}
	return publisher, config, nil
}

func (r *Registry) SetEnabled(channelType models.ChannelType, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if config, ok := r.configs[channelType]; ok {
		config.Enabled = enabled
		r.configs[channelType] = config
	}
}

// Platforms lists the registered platform names in stable order.
func (r *Registry) Platforms() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]models.ChannelType, 0, len(r.publishers))
	for name := range r.publishers {
		platforms = append(platforms, name)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

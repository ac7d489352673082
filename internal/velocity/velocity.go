// Package velocity counts recent purchases per buyer.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = time.Hour

// Service counts purchases made by the same user or device within a window.
// Counts are advisory: they are reported alongside a verdict and never change it.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Record registers one purchase and returns the highest count among the
// buyer's identifiers, this purchase included. It returns 0 when the request
// carries neither a user id nor a device fingerprint.
func (s *Service) Record(ctx context.Context, userID, device string) (int64, error) {
	if s == nil || s.cache == nil {
		return 0, fmt.Errorf("velocity cache not configured")
	}

	var max int64
	for _, key := range keys(userID, device) {
		n, err := s.cache.IncrementCounter(ctx, key, s.window)
		if err != nil {
			return 0, fmt.Errorf("failed to increment %s: %w", key, err)
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func keys(userID, device string) []string {
	var ks []string
	if userID != "" {
		ks = append(ks, "velocity:user:"+userID)
	}
	if device != "" {
		ks = append(ks, "velocity:device:"+device)
	}
	return ks
}

// Package ratelimit provides per-resource token buckets shared by concurrent
// workers.
package ratelimit

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-engine/internal/resilience"
)

// Profile configures the buckets of every key matching a prefix.
type Profile struct {
	// Rate is the refill rate in tokens per second.
	Rate float64 `mapstructure:"rate" yaml:"rate" json:"rate"`
	// Burst is the bucket capacity. Zero selects ceil(Rate), at least 1.
	Burst int `mapstructure:"burst" yaml:"burst" json:"burst"`
}

func (p Profile) validate(name string) error {
	if p.Rate <= 0 || math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		return resilience.NewConfigurationError("ratelimit: profile %q: rate must be a positive number, got %v", name, p.Rate)
	}
	if p.Burst < 0 {
		return resilience.NewConfigurationError("ratelimit: profile %q: burst must be >= 0, got %d", name, p.Burst)
	}
	return nil
}

func (p Profile) burst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	return max(1, int(math.Ceil(p.Rate)))
}

// Bucket is a token bucket whose rate adapts to server feedback.
// Penalize halves the rate (down to a quarter of the initial rate) and
// Reward raises it by 20% (up to twice the initial rate).
type Bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newBucket(p Profile) *Bucket {
	initial := rate.Limit(p.Rate)
	return &Bucket{
		limiter:     rate.NewLimiter(initial, p.burst()),
		initialRate: initial,
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Reward increases the rate by 20%, up to 2x initial.
func (b *Bucket) Reward() {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.currentRate * 1.2
	if next > b.maxRate {
		next = b.maxRate
	}
	b.currentRate = next
	b.limiter.SetLimit(next)
}

// Penalize halves the rate, down to initial/4.
func (b *Bucket) Penalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.currentRate * 0.5
	if next < b.minRate {
		next = b.minRate
	}
	b.currentRate = next
	b.limiter.SetLimit(next)
}

// Limit returns the current rate.
func (b *Bucket) Limit() rate.Limit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentRate
}

// Registry owns one bucket per resource key. Buckets are created lazily on
// first use from the profile with the longest matching key prefix, or from
// the default profile. Registry is safe for concurrent use and is meant to be
// shared by reference across all workers of a run.
type Registry struct {
	def      Profile
	profiles map[string]Profile
	prefixes []string // longest first

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// New creates a registry. Invalid profiles yield a configuration error.
func New(def Profile, profiles map[string]Profile) (*Registry, error) {
	if err := def.validate("default"); err != nil {
		return nil, err
	}
	r := &Registry{
		def:      def,
		profiles: make(map[string]Profile, len(profiles)),
		buckets:  make(map[string]*Bucket),
	}
	for prefix, p := range profiles {
		if prefix == "" {
			return nil, resilience.NewConfigurationError("ratelimit: empty profile prefix")
		}
		if err := p.validate(prefix); err != nil {
			return nil, err
		}
		r.profiles[prefix] = p
		r.prefixes = append(r.prefixes, prefix)
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}
		return r.prefixes[i] < r.prefixes[j]
	})
	return r, nil
}

// ProfileFor returns the profile that governs key.
func (r *Registry) ProfileFor(key string) Profile {
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(key, prefix) {
			return r.profiles[prefix]
		}
	}
	return r.def
}

// Bucket returns the bucket for key, creating it on first use.
func (r *Registry) Bucket(key string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = newBucket(r.ProfileFor(key))
		r.buckets[key] = b
	}
	return b
}

// Acquire blocks until a token for key is available. Waiters on the same key
// are served in reservation order. The only failure is ctx ending first.
func (r *Registry) Acquire(ctx context.Context, key string) error {
	if err := r.Bucket(key).Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: acquire %s", key)
	}
	return nil
}

// Penalize slows key down after the resource signalled overload.
func (r *Registry) Penalize(key string) {
	b := r.Bucket(key)
	b.Penalize()
	zap.L().Warn("ratelimit: reducing rate after overload",
		zap.String("key", key),
		zap.Float64("new_rate", float64(b.Limit())),
	)
}

// Reward speeds key back up after a successful call.
func (r *Registry) Reward(key string) {
	r.Bucket(key).Reward()
}

// Limits returns the current rate of every bucket created so far.
func (r *Registry) Limits() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.buckets))
	for k, b := range r.buckets {
		out[k] = float64(b.Limit())
	}
	return out
}

// KeyForURL returns the resource key for a URL: its lower-cased host without
// a leading "www.". Unparsable URLs map to the raw string.
func KeyForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

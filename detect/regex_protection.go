package detect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel/metrics"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegexTimeout bounds a single regex match; regexp2 backtracks, so an
// unbounded match on hostile input could stall a request.
const DefaultRegexTimeout = 100 * time.Millisecond

// DefaultRegexCacheSize is the number of compiled patterns kept across rule reloads.
const DefaultRegexCacheSize = 256

// ErrRegexTimeout is returned when a match exceeds the configured timeout.
var ErrRegexTimeout = errors.New("regex evaluation timeout")

type regexKey struct {
	pattern string
	timeout time.Duration
}

// RegexCache compiles patterns once and shares them between rule set snapshots.
type RegexCache struct {
	timeout time.Duration
	cache   *lru.Cache[regexKey, *regexp2.Regexp]
}

// NewRegexCache creates a bounded cache of compiled patterns.
func NewRegexCache(size int, timeout time.Duration) (*RegexCache, error) {
	if size <= 0 {
		size = DefaultRegexCacheSize
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	c, err := lru.New[regexKey, *regexp2.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex cache: %w", err)
	}
	return &RegexCache{timeout: timeout, cache: c}, nil
}

// Compile returns the compiled form of pattern, using RE2-compatible syntax
// with a match timeout.
func (rc *RegexCache) Compile(pattern string) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("regex pattern cannot be empty")
	}
	key := regexKey{pattern: pattern, timeout: rc.timeout}
	if re, ok := rc.cache.Get(key); ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	re.MatchTimeout = rc.timeout
	rc.cache.Add(key, re)
	return re, nil
}

// Len reports the number of cached patterns.
func (rc *RegexCache) Len() int {
	return rc.cache.Len()
}

// matchRegex runs re against input and normalises timeouts to ErrRegexTimeout.
func matchRegex(re *regexp2.Regexp, input string) (bool, error) {
	ok, err := re.MatchString(input)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			metrics.RegexTimeouts.Inc()
			return false, ErrRegexTimeout
		}
		return false, fmt.Errorf("regex matching error: %w", err)
	}
	return ok, nil
}

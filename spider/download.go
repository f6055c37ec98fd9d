package spider

import (
	"maps"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/fastpull/hashes"
)

// Request describes content to fetch. It is treated as immutable.
type Request struct {
	// URL is the primary location.
	URL string

	// Mirrors are tried in order when URL fails.
	Mirrors []string

	// Expected digests. Only algorithms the spider computes are compared.
	Expected hashes.Set

	// ExpectedSize in bytes; 0 means unchecked.
	ExpectedSize int64

	// CacheInterval overrides the spider default. Zero disables the cache.
	CacheInterval *time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// Username and Password enable basic authentication.
	Username string
	Password string

	// Retry is a hint to callers owning retry policy; the spider itself
	// never retries.
	Retry int
}

// Interval returns a pointer to d, for Request.CacheInterval.
func Interval(d time.Duration) *time.Duration {
	return &d
}

func (r Request) urls() []string {
	return append([]string{r.URL}, r.Mirrors...)
}

// key identifies requests that may share one transfer.
func (r Request) key() string {
	return r.URL + "\x00" + r.Expected.String() + "\x00" + strconv.FormatInt(r.ExpectedSize, 10)
}

func (r Request) validate() error {
	for _, raw := range r.urls() {
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &url.Error{Op: "parse", URL: raw, Err: errUnsupportedScheme}
		}
		if u.Host == "" {
			return &url.Error{Op: "parse", URL: raw, Err: errMissingHost}
		}
	}
	return r.Expected.Validate()
}

// State is the lifecycle stage of a Download.
type State string

// Download states.
const (
	Pending    State = "pending"
	Fetching   State = "fetching"
	Verifying  State = "verifying"
	Committed  State = "committed"
	Failed     State = "failed"
	Mismatched State = "mismatched"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Committed || s == Failed || s == Mismatched
}

// Download is one fetch of a Request. Once returned by Spider.Download it
// is shared by every caller that joined the same transfer and must be
// treated as read-only, except through Cleanup.
type Download struct {
	ID      uuid.UUID
	Request Request

	// SourceURL is the URL the content was actually read from.
	SourceURL string

	// TempPath is the downloaded file. It is empty once released.
	TempPath string

	Hashes hashes.Set
	Size   int64
	State  State
	Err    error

	// Result is the last non-nil value returned by a pipeline stage.
	Result any

	Counters    Counters
	CompletedAt time.Time

	mu       sync.Mutex
	verified bool
}

func newDownload(req Request) *Download {
	return &Download{ID: uuid.New(), Request: req, State: Pending}
}

// MarkVerified records that the content passed verification.
func (d *Download) MarkVerified() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verified = true
}

// Verified reports whether MarkVerified was called.
func (d *Download) Verified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verified
}

// Counters is a concurrency-safe bag of named counters.
type Counters struct {
	mu sync.Mutex
	m  map[string]int64
}

// Counter names maintained by the spider.
const (
	CounterBytes           = "bytes"
	CounterAttempts        = "attempts"
	CounterMirrorFallbacks = "mirror_fallbacks"
	CounterResumes         = "resumes"
)

// Add increments counter name by n.
func (c *Counters) Add(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]int64)
	}
	c.m[name] += n
}

// Get returns the value of counter name.
func (c *Counters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.m)
}

package jobs

import (
	"cmp"
	"slices"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// Store holds job snapshots for status queries. Snapshots are copies: callers
// never share a *Job with the goroutine running it.
type Store interface {
	Create(job *Job) error
	Update(job *Job) error
	Get(id int64) (*Job, bool)
	List() []Job
}

// CacheStore keeps snapshots in memory and forgets them after retention.
// Nothing survives the process.
type CacheStore struct {
	data *cache.Cache
}

func NewCacheStore(retention time.Duration) *CacheStore {
	if retention <= 0 {
		retention = cache.NoExpiration
	}
	return &CacheStore{data: cache.New(retention, 10*time.Minute)}
}

func (s *CacheStore) Create(job *Job) error {
	s.data.SetDefault(key(job.ID), job.clone())
	return nil
}

func (s *CacheStore) Update(job *Job) error {
	s.data.SetDefault(key(job.ID), job.clone())
	return nil
}

func (s *CacheStore) Get(id int64) (*Job, bool) {
	v, ok := s.data.Get(key(id))
	if !ok {
		return nil, false
	}
	j := v.(Job).clone()
	return &j, true
}

// List returns all retained jobs ordered by id.
func (s *CacheStore) List() []Job {
	items := s.data.Items()
	out := make([]Job, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Job).clone())
	}
	slices.SortFunc(out, func(a, b Job) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

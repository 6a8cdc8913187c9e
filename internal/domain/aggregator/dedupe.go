package aggregator

import "footprint/internal/domain/entity/footprint"

// idSet remembers absorbed trade ids grouped by the time bucket of their trade,
// so a whole bucket of ids can be dropped once it falls out of the window.
type idSet struct {
	seen     map[string]footprint.TimeBucket
	byBucket map[footprint.TimeBucket][]string
}

func newIDSet() *idSet {
	return &idSet{
		seen:     make(map[string]footprint.TimeBucket),
		byBucket: make(map[footprint.TimeBucket][]string),
	}
}

func (s *idSet) contains(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *idSet) add(id string, bucket footprint.TimeBucket) {
	s.seen[id] = bucket
	s.byBucket[bucket] = append(s.byBucket[bucket], id)
}

// evictBefore forgets ids whose trades fall in buckets starting before cutoff.
func (s *idSet) evictBefore(cutoff footprint.TimeBucket) int {
	evicted := 0
	for bucket, ids := range s.byBucket {
		if bucket >= cutoff {
			continue
		}
		for _, id := range ids {
			delete(s.seen, id)
		}
		evicted += len(ids)
		delete(s.byBucket, bucket)
	}
	return evicted
}

func (s *idSet) len() int {
	return len(s.seen)
}

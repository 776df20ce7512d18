package confab

import (
	log "github.com/sirupsen/logrus"

	"confab/internal/codec"
)

// defaultMaxFills bounds the keys being fetched from upstream at once.
const defaultMaxFills = 64

// fillFromUpstream asks the upstream gateway for an asset this node is
// missing and stores it when it arrives. At most one fetch per key is in
// flight, and misses beyond maxFills pending keys are not filled. The
// current request is not held up; a later one sees the asset.
func (s *Service) fillFromUpstream(key uint64) {
	if s.upstream == nil {
		return
	}
	s.fillMu.Lock()
	if _, ok := s.filling[key]; ok {
		s.fillMu.Unlock()
		return
	}
	if len(s.filling) >= s.maxFills {
		s.fillMu.Unlock()
		log.WithField("key", codec.FormatKey(key)).Debugf("skipping upstream fill, %d already pending", s.maxFills)
		return
	}
	s.filling[key] = struct{}{}
	s.fillMu.Unlock()

	l := log.WithFields(log.Fields{"key": codec.FormatKey(key), "upstream": s.upstream.ServerAddress()})
	err := s.upstream.GetAsset(key, func(key uint64, rec codec.Record) {
		defer s.doneFilling(key)
		if rec.Empty() {
			return
		}
		if err := codec.Verify(rec, codec.KindAsset); err != nil {
			l.Warnf("upstream asset did not verify: %v", err)
			return
		}
		if err := s.store.StoreAsset(key, rec); err != nil {
			l.Errorf("storing upstream asset: %v", err)
			return
		}
		l.Debugf("filled %d bytes from upstream", len(rec))
	})
	if err != nil {
		l.Debugf("upstream fill not started: %v", err)
		s.doneFilling(key)
	}
}

func (s *Service) doneFilling(key uint64) {
	s.fillMu.Lock()
	delete(s.filling, key)
	s.fillMu.Unlock()
}

// fillsInFlight reports how many keys are being fetched from upstream.
func (s *Service) fillsInFlight() int {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return len(s.filling)
}

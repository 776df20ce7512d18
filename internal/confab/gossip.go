package confab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetPeers replaces the set of peers this node posts its status to.
func (s *Service) SetPeers(peers []string) error {
	norm, err := normalizePeers(peers)
	if err != nil {
		return err
	}
	s.peersMu.Lock()
	s.peers = norm
	s.peersMu.Unlock()
	log.Infof("gossiping to %d peers", len(norm))
	return nil
}

func (s *Service) Peers() []string {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return append([]string(nil), s.peers...)
}

// statusLine is the body posted to every peer's /state.
func (s *Service) statusLine() string {
	up := int64(time.Since(s.start) / time.Second)
	return fmt.Sprintf("id=%s up=%d served=%d", s.nodeID, up, s.stats.Snapshot().TotalResponses)
}

func (s *Service) gossipLoop(period time.Duration) {
	s.gossipOnce(period)

	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.gossipOnce(period)
		}
	}
}

// gossipOnce posts the current status to every peer and waits for the
// posts to finish or time out.
func (s *Service) gossipOnce(timeout time.Duration) {
	peers := s.Peers()
	if len(peers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	line := []byte(s.statusLine())
	var wg sync.WaitGroup
	for _, peer := range peers {
		select {
		case s.bgSem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			defer func() { <-s.bgSem }()
			if err := s.postStatus(ctx, peer, line); err != nil {
				s.warnLog.Warnf("posting status to %s: %v", peer, err)
			}
		}(peer)
	}
	wg.Wait()
}

func (s *Service) postStatus(ctx context.Context, peer string, line []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/state", bytes.NewReader(line))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

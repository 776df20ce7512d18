package confab

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"confab/internal/assetdb"
	"confab/internal/codec"
	"confab/internal/upstream"
)

var (
	ErrStoreFailure      = errors.New("store rejected write")
	ErrAddressResolution = errors.New("cannot resolve caller address")
)

// Store persists assets, asset data chunks and lists. Lookups return an
// empty Record when nothing is stored; a non-nil error means the lookup
// itself failed. PageListItems reports a missing list with an error
// wrapping assetdb.ErrNotFound.
type Store interface {
	FindAssetByKey(key uint64) (codec.Record, error)
	FindAssetByName(name string) (codec.Record, error)
	LoadAssetDataChunk(key, chunk uint64) (codec.Record, error)
	StoreAsset(key uint64, b []byte) error
	StoreAssetDataChunk(key, chunk uint64, b []byte) error

	LoadList(key uint64) (codec.Record, error)
	FindListByName(name string) (codec.Record, error)
	StoreList(key uint64, b []byte) error
	PageListItems(key, from uint64, limit int) ([]codec.Pair, error)
}

// statsSource is implemented by stores that can count their records.
type statsSource interface {
	Stats() (assetdb.Stats, error)
}

type Service struct {
	cfg   Config
	store Store
	codec *codec.Codec

	status *PeerStatusStore
	nodeID string
	start  time.Time

	httpClient *http.Client
	peersMu    sync.RWMutex
	peers      []string

	upstream *upstream.Client
	fillMu   sync.Mutex
	filling  map[uint64]struct{}
	maxFills int

	bgSem chan struct{}

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	warnLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config, store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Gossip.periodDur <= 0 {
		return nil, errors.New("gossip period must be positive")
	}

	nodeID := cfg.Gossip.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		codec:      codec.New(int(cfg.Server.maxPayload)),
		status:     NewPeerStatusStore(cfg.StatusWindow()),
		nodeID:     nodeID,
		start:      time.Now(),
		httpClient: &http.Client{Timeout: cfg.Gossip.periodDur},
		peers:      cfg.Gossip.Peers,
		filling:    make(map[uint64]struct{}),
		maxFills:   defaultMaxFills,
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		warnLog:    newRateLimitedLogger(1 * time.Minute),
		stats:      newStatsCollector(),
	}

	if cfg.Upstream.URL != "" {
		s.upstream = upstream.New(cfg.Upstream.URL, upstream.Config{
			Timeout:     cfg.Upstream.timeoutDur,
			MaxAttempts: cfg.Upstream.Attempts,
			Backoff:     cfg.Upstream.backoffDur,
			MaxPayload:  int(cfg.Server.maxPayload),
		})
		log.Infof("read-through fill from upstream %s", cfg.Upstream.URL)
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	log.Infof("node %s gossiping every %s, status window %s", nodeID, cfg.Gossip.periodDur, s.status.Window())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.gossipLoop(cfg.Gossip.periodDur)
	}()

	return s, nil
}

// Close stops background loops and upstream fetches. The Store is left open.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.upstream != nil {
			s.upstream.Shutdown()
		}
		s.httpClient.CloseIdleConnections()
	})
}

func (s *Service) NodeID() string { return s.nodeID }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /asset/id/{key}", s.getAsset)
	mux.HandleFunc("POST /asset/id/{key}", s.postAsset)
	mux.HandleFunc("GET /asset/name", s.getNamedAsset)
	mux.HandleFunc("GET /asset/data/{key}/{chunk}", s.getAssetData)
	mux.HandleFunc("POST /asset/data/{key}/{chunk}", s.postAssetData)
	mux.HandleFunc("GET /list/id/{key}", s.getList)
	mux.HandleFunc("POST /list/id/{key}", s.postList)
	mux.HandleFunc("GET /list/name", s.getNamedList)
	mux.HandleFunc("GET /list/items/{key}/{from}", s.getListItems)
	mux.HandleFunc("GET /state", s.getState)
	mux.HandleFunc("POST /state", s.postState)
	// any other method or path is a 404, never the mux's 405
	mux.HandleFunc("/", s.notFound)
	return s.limit(s.logRequests(mux))
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			e := log.WithFields(log.Fields{
				"responses": ss.TotalResponses,
				"notFound":  ss.NotFound,
				"failures":  ss.Failures,
				"peers":     s.status.Len(),
				"filling":   s.fillsInFlight(),
			})
			if rss, ok := residentBytes(); ok {
				e = e.WithField("rss", formatBytes(rss))
			}
			if src, ok := s.store.(statsSource); ok {
				if st, err := src.Stats(); err == nil {
					e = e.WithField("store", st.String())
				}
			}
			e.Infof("Resp Min/avg/max %s/%s/%s",
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
		}
	}
}

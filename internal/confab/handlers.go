package confab

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"confab/internal/assetdb"
	"confab/internal/codec"
)

const serverName = "confab"

func parseKeyParam(s string) (uint64, error) { return codec.ParseKey(s) }

func parseChunkParam(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chunk %q: %w", s, err)
	}
	return n, nil
}

// statusFor maps an error to the code clients see. Decode and verification
// failures are reported as 500 rather than 400, as peers expect.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, assetdb.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) reply(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Server", serverName)
	if body != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(code)
	if body != nil {
		_, _ = w.Write(body)
	}
	if code == http.StatusOK && body != nil {
		s.stats.Observe(len(body))
	} else {
		s.stats.ObserveStatus(code)
	}
}

// sendRecord answers a lookup: 404 for an empty record, 200 with the
// encoded record otherwise.
func (s *Service) sendRecord(w http.ResponseWriter, l *log.Entry, what string, rec codec.Record, err error) {
	if err != nil {
		l.Errorf("%s lookup failed: %v", what, err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	if rec.Empty() {
		l.Debugf("%s not found, returning 404", what)
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	text, err := s.codec.Encode(rec)
	if err != nil {
		l.Errorf("encoding %s: %v", what, err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	l.Debugf("sending %d bytes of %s", len(text), what)
	s.reply(w, http.StatusOK, text)
}

// receive decodes and verifies a posted payload and hands it to store.
func (s *Service) receive(w http.ResponseWriter, r *http.Request, l *log.Entry, kind codec.Kind, store func([]byte) error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.codec.MaxEncodedLen())+2))
	if err != nil {
		l.Errorf("reading posted %s: %v", kind, err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	b, err := s.codec.Decode(body)
	if err == nil {
		err = codec.Verify(b, kind)
	}
	if err != nil {
		l.Errorf("posted data did not verify for %s: %v", kind, err)
		s.reply(w, statusFor(err), nil)
		return
	}
	if err := store(b); err != nil {
		l.Errorf("failed to store %s: %v", kind, fmt.Errorf("%w: %v", ErrStoreFailure, err))
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	l.Debugf("stored %d bytes of %s", len(b), kind)
	s.reply(w, http.StatusOK, nil)
}

// readName reads a name carried in a GET body.
func (s *Service) readName(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.maxStatusBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Service) notFound(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusNotFound, nil)
}

func (s *Service) getAsset(w http.ResponseWriter, r *http.Request) {
	l := log.WithField("key", r.PathValue("key"))
	key, err := parseKeyParam(r.PathValue("key"))
	if err != nil {
		l.Debugf("bad asset key: %v", err)
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	rec, err := s.store.FindAssetByKey(key)
	if err == nil && rec.Empty() {
		s.fillFromUpstream(key)
	}
	s.sendRecord(w, l, "asset", rec, err)
}

func (s *Service) postAsset(w http.ResponseWriter, r *http.Request) {
	l := log.WithField("key", r.PathValue("key"))
	key, err := parseKeyParam(r.PathValue("key"))
	if err != nil {
		l.Errorf("bad asset key: %v", err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	s.receive(w, r, l, codec.KindAsset, func(b []byte) error { return s.store.StoreAsset(key, b) })
}

func (s *Service) getNamedAsset(w http.ResponseWriter, r *http.Request) {
	name, err := s.readName(w, r)
	l := log.WithField("name", name)
	if err != nil {
		l.Errorf("reading asset name: %v", err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	if name == "" {
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	rec, err := s.store.FindAssetByName(name)
	s.sendRecord(w, l, "named asset", rec, err)
}

func (s *Service) getAssetData(w http.ResponseWriter, r *http.Request) {
	l := log.WithFields(log.Fields{"key": r.PathValue("key"), "chunk": r.PathValue("chunk")})
	key, err := parseKeyParam(r.PathValue("key"))
	var chunk uint64
	if err == nil {
		chunk, err = parseChunkParam(r.PathValue("chunk"))
	}
	if err != nil {
		l.Debugf("bad asset data path: %v", err)
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	rec, err := s.store.LoadAssetDataChunk(key, chunk)
	s.sendRecord(w, l, "asset data", rec, err)
}

func (s *Service) postAssetData(w http.ResponseWriter, r *http.Request) {
	l := log.WithFields(log.Fields{"key": r.PathValue("key"), "chunk": r.PathValue("chunk")})
	key, err := parseKeyParam(r.PathValue("key"))
	var chunk uint64
	if err == nil {
		chunk, err = parseChunkParam(r.PathValue("chunk"))
	}
	if err != nil {
		l.Errorf("bad asset data path: %v", err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	s.receive(w, r, l, codec.KindAssetData, func(b []byte) error { return s.store.StoreAssetDataChunk(key, chunk, b) })
}

func (s *Service) getList(w http.ResponseWriter, r *http.Request) {
	l := log.WithField("list", r.PathValue("key"))
	key, err := parseKeyParam(r.PathValue("key"))
	if err != nil {
		l.Debugf("bad list key: %v", err)
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	rec, err := s.store.LoadList(key)
	s.sendRecord(w, l, "list", rec, err)
}

func (s *Service) postList(w http.ResponseWriter, r *http.Request) {
	l := log.WithField("list", r.PathValue("key"))
	key, err := parseKeyParam(r.PathValue("key"))
	if err != nil {
		l.Errorf("bad list key: %v", err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	s.receive(w, r, l, codec.KindList, func(b []byte) error { return s.store.StoreList(key, b) })
}

func (s *Service) getNamedList(w http.ResponseWriter, r *http.Request) {
	name, err := s.readName(w, r)
	l := log.WithField("name", name)
	if err != nil {
		l.Errorf("reading list name: %v", err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	if name == "" {
		s.reply(w, http.StatusNotFound, nil)
		return
	}
	rec, err := s.store.FindListByName(name)
	s.sendRecord(w, l, "named list", rec, err)
}

// getListItems answers with "token key\n" lines. An unknown list is a 404
// and a list with nothing at or after from is a 200 with an empty body.
func (s *Service) getListItems(w http.ResponseWriter, r *http.Request) {
	l := log.WithFields(log.Fields{"list": r.PathValue("key"), "from": r.PathValue("from")})
	key, err := parseKeyParam(r.PathValue("key"))
	var from uint64
	if err == nil {
		from, err = parseKeyParam(r.PathValue("from"))
	}
	if err != nil {
		l.Debugf("bad list items path: %v", err)
		s.reply(w, http.StatusNotFound, nil)
		return
	}

	pairs, err := s.store.PageListItems(key, from, s.cfg.Server.ListPageSize)
	if err != nil {
		if code := statusFor(err); code == http.StatusNotFound {
			l.Debugf("list items: %v", err)
			s.reply(w, code, nil)
		} else {
			l.Errorf("error retrieving list items: %v", err)
			s.reply(w, code, nil)
		}
		return
	}

	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	l.Debugf("sending %d items", len(pairs))
	s.reply(w, http.StatusOK, []byte(b.String()))
}

// getState answers with "address\tstatus\n" lines for every fresh peer.
func (s *Service) getState(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	entries := s.status.Snapshot()
	for _, e := range entries {
		b.WriteString(unpackIPv4(e.Addr))
		b.WriteByte('\t')
		b.Write(e.Status)
		b.WriteByte('\n')
	}
	log.Debugf("returning %d states", len(entries))
	s.reply(w, http.StatusOK, []byte(b.String()))
}

// postState records the caller's status. It does not log on success; every
// peer posts here once per gossip period.
func (s *Service) postState(w http.ResponseWriter, r *http.Request) {
	addr, err := remoteIPv4(r.RemoteAddr)
	if err != nil {
		s.warnLog.Warnf("state update error parsing address %q: %v", r.RemoteAddr, err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	// an oversized status is refused with 500 rather than truncated
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.maxStatusBytes))
	if err != nil {
		s.warnLog.Warnf("state update from %s: %v", unpackIPv4(addr), err)
		s.reply(w, http.StatusInternalServerError, nil)
		return
	}
	s.status.Record(addr, body)
	s.reply(w, http.StatusOK, nil)
}

package confab

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// limit caps the number of requests handled at once at server.workers.
func (s *Service) limit(next http.Handler) http.Handler {
	slots := make(chan struct{}, s.cfg.Server.Workers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case slots <- struct{}{}:
		case <-r.Context().Done():
			return
		}
		defer func() { <-slots }()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Server", serverName)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}

		// peers post state every period; only failures are worth a line
		if r.Method == http.MethodPost && r.URL.Path == "/state" && rec.code == http.StatusOK {
			return
		}
		e := log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
			"status": rec.code,
			"bytes":  rec.bytes,
			"took":   time.Since(start).Round(time.Microsecond),
		})
		if rec.code >= 500 {
			e.Warn("request failed")
			return
		}
		e.Debug("request")
	})
}

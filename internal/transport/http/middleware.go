package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"rentmarket/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
)

// statusRecorder перехватывает статус и тело ответа для логирования и
// сохранения idempotency-ответов.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// RequestLogger логирует метод, путь, статус и длительность каждого запроса.
func RequestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}).Info("request handled")
		})
	}
}

// Idempotency воспроизводит сохранённый ответ при повторе запроса с тем же
// Idempotency-Key. Ключ необязателен: без заголовка запрос проходит напрямую.
func Idempotency(repo domain.IdempotencyRepository, logger *log.Entry) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" || repo == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			requestHash := hex.EncodeToString(sum[:])

			record, err := repo.CreateProcessing(key, requestHash, time.Now().UTC().Add(idempotencyTTL))
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrIdempotencyHashMismatch):
					http.Error(w, "idempotency key reused with a different request body", http.StatusUnprocessableEntity)
					return
				case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
					replayStoredResponse(w, record)
					return
				default:
					logger.WithError(err).Error("idempotency bookkeeping failed")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			if status < http.StatusInternalServerError {
				err = repo.MarkDone(key, rec.body.Bytes(), status)
			} else {
				err = repo.MarkFailed(key, rec.body.Bytes(), status)
			}
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("failed to store idempotency result")
			}
		})
	}
}

func replayStoredResponse(w http.ResponseWriter, record domain.IdempotencyRecord) {
	if record.Status == domain.IdempotencyStatusProcessing {
		http.Error(w, "request with this idempotency key is still being processed", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	status := record.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

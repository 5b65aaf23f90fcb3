package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agentpact/trustcore/pkg/fault"
	"github.com/agentpact/trustcore/pkg/httpx"
	"github.com/agentpact/trustcore/pkg/signature"
)

const (
	headerAPIKey    = "X-API-Key"
	headerDID       = "X-PAO-DID"
	headerTimestamp = "X-PAO-Timestamp"
	headerSignature = "X-PAO-Signature"

	// replayWindow bounds |now - X-PAO-Timestamp| for DID-signed requests.
	// Checked before any signature work.
	replayWindow = 5 * time.Minute
)

type ctxKey int

const actorKey ctxKey = iota

// Actor returns the DID of a DID-authenticated caller, or "" for API-key
// callers, who act as the trusted operator.
func Actor(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, reset := s.limiter.take(clientIP(r))
		s.limiter.setHeaders(w, remaining, reset)
		if !allowed {
			retry := int(math.Ceil(time.Until(reset).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED",
				"request rate exceeded", "retry after the window resets")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cors emits allow-list CORS headers. With no configured origins no CORS
// headers appear at all, so cross-origin browser access is denied by default.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					"Content-Type, X-API-Key, X-PAO-DID, X-PAO-Timestamp, X-PAO-Signature")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authenticate admits either the shared API key or a DID-signed request.
// DID requests sign METHOD:PATH:TIMESTAMP with the caller's current key; the
// DID must resolve locally (own document or a stored peer).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(headerAPIKey); key != "" {
			if !s.apiKeyMatches(key) {
				httpx.WriteFault(w, fault.Unauthenticatedf("INVALID_API_KEY", "invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		did := r.Header.Get(headerDID)
		if did == "" {
			httpx.WriteFault(w, fault.Unauthenticatedf("MISSING_CREDENTIALS",
				"authenticate with X-API-Key or DID signature headers"))
			return
		}
		ts := r.Header.Get(headerTimestamp)
		sig := r.Header.Get(headerSignature)
		if ts == "" || sig == "" {
			httpx.WriteFault(w, fault.Unauthenticatedf("MISSING_CREDENTIALS",
				"DID auth needs X-PAO-Timestamp and X-PAO-Signature"))
			return
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			httpx.WriteFault(w, fault.Unauthenticatedf("TIMESTAMP_INVALID", "timestamp must be unix seconds"))
			return
		}
		if drift := s.now().Sub(time.Unix(unix, 0)); drift > replayWindow || drift < -replayWindow {
			httpx.WriteFault(w, fault.Unauthenticatedf("TIMESTAMP_OUT_OF_RANGE",
				"request timestamp outside the replay window").WithHint("sign with a current clock"))
			return
		}
		doc, err := s.ids.ResolvePeer(did)
		if err != nil {
			httpx.WriteFault(w, fault.Unauthenticatedf("DID_NOT_RESOLVABLE",
				"signer DID is not locally resolvable").WithHint("exchange DID documents before signing requests"))
			return
		}
		message := []byte(r.Method + ":" + r.URL.Path + ":" + ts)
		res := signature.VerifyRaw(message, sig, doc, doc.CurrentKeyID())
		if !res.Valid {
			httpx.WriteFault(w, fault.Unauthenticatedf("SIGNATURE_INVALID", "%s", res.Reason))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, did)))
	})
}

// apiKeyMatches compares sha256 digests in constant time. An empty configured
// key matches nothing.
func (s *Server) apiKeyMatches(presented string) bool {
	if s.apiKey == "" {
		return false
	}
	want := sha256.Sum256([]byte(s.apiKey))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Session handling: bcrypt login check, JWT cookie, in-memory revocation.

package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookie = "shelflet_session"

// sessions tracks issued session IDs so logout can revoke a token before it
// expires. State is in-memory; a restart logs everyone out, which is fine
// for a single-admin tool.
type sessions struct {
	secret []byte
	ttl    time.Duration

	mu     sync.Mutex
	active map[string]sessionInfo
}

type sessionInfo struct {
	IssuedAt time.Time
	ClientIP string
}

func newSessions(secret []byte, ttl time.Duration) *sessions {
	return &sessions{secret: secret, ttl: ttl, active: map[string]sessionInfo{}}
}

// issue creates a session and returns the signed token.
func (s *sessions) issue(user, clientIP string) (string, error) {
	sid := uuid.NewString()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user,
		"sid": sid,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	s.mu.Lock()
	s.active[sid] = sessionInfo{IssuedAt: now, ClientIP: clientIP}
	s.mu.Unlock()
	return token, nil
}

// verify parses a token and checks its session is still active. Returns the
// subject user name.
func (s *sessions) verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid session claims")
	}
	sid, _ := claims["sid"].(string)
	sub, _ := claims["sub"].(string)
	if sid == "" || sub == "" {
		return "", errors.New("incomplete session claims")
	}
	s.mu.Lock()
	_, live := s.active[sid]
	s.mu.Unlock()
	if !live {
		return "", errors.New("session revoked")
	}
	return sub, nil
}

// revoke drops the session named by the token, if any.
func (s *sessions) revoke(tokenString string) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return
	}
	if sid, _ := claims["sid"].(string); sid != "" {
		s.mu.Lock()
		delete(s.active, sid)
		s.mu.Unlock()
	}
}

// checkPassword verifies the admin credentials.
func (s *Server) checkPassword(user, password string) bool {
	if user != s.cfg.AdminUser {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(password)) == nil
}

// currentUser returns the logged-in user for a request, or "".
func (s *Server) currentUser(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	user, err := s.sessions.verify(c.Value)
	if err != nil {
		return ""
	}
	return user
}

func setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

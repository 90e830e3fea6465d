package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
)

const tokenIssuer = "grader"

type sessionCtxKey struct{}

// issueToken signs a bearer token whose jti is the auth session id.
func (h *Handler) issueToken(sess *model.AuthSession) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		Subject:   strconv.FormatInt(sess.UserID, 10),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.config.JWTSecret)
}

func (h *Handler) parseToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.config.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.ID == "" || !claims.VerifyIssuer(tokenIssuer, true) {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth is middleware that checks for a valid bearer token backed by a
// live auth session and an active user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		claims, err := h.parseToken(raw)
		if err != nil {
			slog.Debug("rejected bearer token", "error", err)
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), claims.ID)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeMessage(w, r, http.StatusInternalServerError, "InternalError")
			return
		}
		if authSess == nil {
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		ctx = context.WithValue(ctx, sessionCtxKey{}, authSess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeMessage(w, r, http.StatusForbidden, "Forbidden")
		})
	}
}

func principal(r *http.Request) model.Principal {
	return model.UserFromContext(r.Context()).Principal()
}

type registerRequest struct {
	Role         string `json:"role" validate:"required,oneof=teacher student"`
	Name         string `json:"name" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=6"`
	StudentLevel string `json:"student_level" validate:"required_if=Role student"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}

	u := model.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Role:         model.UserRole(req.Role),
		Active:       true,
	}
	if u.Role == model.UserRoleStudent {
		u.StudentLevel = strings.TrimSpace(req.StudentLevel)
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || created == nil {
		h.writeError(w, r, fmt.Errorf("load created user %d: %w", id, err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Role      string      `json:"role"`
	User      *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if user == nil || !user.Active {
		writeMessage(w, r, http.StatusUnauthorized, "InvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeMessage(w, r, http.StatusUnauthorized, "InvalidCredentials")
		return
	}

	sess, err := h.store.CreateAuthSession(r.Context(), user.ID, h.config.TokenTTL)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("create auth session: %w", err))
		return
	}
	token, err := h.issueToken(sess)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("sign token: %w", err))
		return
	}

	slog.Info("user logged in", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		Role:      string(user.Role),
		User:      user,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := r.Context().Value(sessionCtxKey{}).(string); ok {
		if err := h.store.DeleteAuthSession(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "LoggedOut")})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/obs"
)

const refreshCookie = "refreshToken"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type loginResponse struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	AccessToken string        `json:"accessToken"`
	User        auth.UserView `json:"user"`
}

type refreshResponse struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"accessToken"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", map[string]any{"message": err.Error()})
		return
	}
	if err := auth.ValidateLogin(req.Username, req.Password); err != nil {
		obs.RecordLogin("invalid_input")
		a.fail(w, r, err, "Login failed")
		return
	}

	res, err := a.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.RecordLogin("rejected")
			a.audit.Record(r.Context(), "auth.login.failed", map[string]any{
				"username":  req.Username,
				"remote_ip": clientIP(r),
			})
		} else {
			obs.RecordLogin("error")
		}
		a.fail(w, r, err, "Login failed")
		return
	}

	obs.RecordLogin("success")
	setLogUser(r.Context(), res.Claims.UserID)
	a.audit.Record(r.Context(), "auth.login.succeeded", map[string]any{
		"user_id":   res.Claims.UserID,
		"username":  res.Claims.Username,
		"roles":     res.Claims.Roles,
		"remote_ip": clientIP(r),
	})
	a.setRefreshCookie(w, res.Tokens.RefreshToken)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:     true,
		Message:     "Login successful",
		AccessToken: res.Tokens.AccessToken,
		User:        res.User,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearRefreshCookie(w)
	a.audit.Record(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logout successful",
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		writeError(w, r, http.StatusUnauthorized, "Refresh token not provided", nil)
		return
	}

	pair, claims, err := a.svc.Refresh(r.Context(), c.Value)
	obs.RecordTokenVerification("refresh", verificationResult(err))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "Refresh token expired", nil)
		case errors.Is(err, auth.ErrTokenInvalid):
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "Invalid refresh token", nil)
		case errors.Is(err, auth.ErrUserInactive):
			a.clearRefreshCookie(w)
			writeError(w, r, http.StatusUnauthorized, "User not found or inactive", nil)
		default:
			a.internalError(w, r, err, "Token refresh failed")
		}
		return
	}

	setLogUser(r.Context(), claims.UserID)
	a.audit.Record(r.Context(), "auth.token.refreshed", map[string]any{"user_id": claims.UserID})
	a.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, refreshResponse{Success: true, AccessToken: pair.AccessToken})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	profile, err := a.svc.Profile(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err, "Failed to get profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    profile,
	})
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd auth.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", map[string]any{"message": err.Error()})
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	contact, err := a.svc.UpdateProfile(r.Context(), userID, upd)
	if err != nil {
		a.fail(w, r, err, "Failed to update profile")
		return
	}
	a.audit.Record(r.Context(), "auth.profile.updated", map[string]any{
		"personal_email": upd.PersonalEmail != nil,
		"phone1":         upd.Phone1 != nil,
		"phone2":         upd.Phone2 != nil,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Profile updated successfully",
		"user":    contact,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", map[string]any{"message": err.Error()})
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrCurrentPasswordMismatch) {
			a.audit.Record(r.Context(), "auth.password.change_rejected", nil)
		}
		a.fail(w, r, err, "Failed to change password")
		return
	}
	a.audit.Record(r.Context(), "auth.password.changed", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Password changed successfully",
	})
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string) {
	ttl := a.svc.Tokens().RefreshTTL()
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   a.production(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   a.production(),
		SameSite: http.SameSiteStrictMode,
	})
}

// decodeJSON reads exactly one JSON value from the body. The size limit is
// applied by MaxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

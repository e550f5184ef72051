package forum

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
)

const verificationCodeTTL = 10 * time.Minute

const (
	signupEmailKey   = "signup_email"
	signupCodeKey    = "signup_code"
	signupExpiresKey = "signup_expires"
)

var errBadCredentials = newError(KindUnauthenticated, "invalid email or password")

func (h *Handlers) checkCampusEmail(email string) error {
	if !strings.HasSuffix(strings.ToLower(email), strings.ToLower(h.cfg.EmailSuffix)) {
		return validationError("email must end with " + h.cfg.EmailSuffix)
	}
	return nil
}

// logActivity records an action without failing the request it belongs to.
func (h *Handlers) logActivity(ctx context.Context, r *http.Request, userID string, action ActivityType) {
	if err := h.db.LogUserActivity(ctx, userID, action, clientIP(r)); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("action", string(action)).Msg("activity not recorded")
	}
}

type verificationCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=50"`
}

// sendVerificationCode starts sign-up: the code lives in the server-side
// session of this browser until sign-up or expiry.
func (h *Handlers) sendVerificationCode(w http.ResponseWriter, r *http.Request) {
	_, err := Validated(h.gate, func(ctx context.Context, in verificationCodeRequest) (struct{}, error) {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if err := h.checkCampusEmail(email); err != nil {
			return struct{}{}, err
		}
		existing, err := h.db.GetUserByEmail(ctx, email)
		if err != nil {
			return struct{}{}, err
		}
		if existing != nil {
			return struct{}{}, newError(KindConflict, "email is already registered, please sign in")
		}
		code, err := newVerificationCode()
		if err != nil {
			return struct{}{}, err
		}
		if err := h.Session.RenewToken(ctx); err != nil {
			return struct{}{}, err
		}
		h.Session.Put(ctx, signupEmailKey, email)
		h.Session.Put(ctx, signupCodeKey, code)
		h.Session.Put(ctx, signupExpiresKey, time.Now().Add(verificationCodeTTL))
		return struct{}{}, h.mailer.SendVerificationCode(ctx, email, code)
	})(r.Context(), jsonBody[verificationCodeRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "verification code sent"})
}

type signUpRequest struct {
	Email    string  `json:"email" validate:"required,email,max=50"`
	Code     string  `json:"code" validate:"required,len=6,numeric"`
	Password string  `json:"password" validate:"required,min=8,max=100"`
	Name     string  `json:"name" validate:"max=100"`
	InviteID *string `json:"inviteId" validate:"omitempty,uuid"`
}

// checkSignupCode matches email and code against the server session.
func (h *Handlers) checkSignupCode(ctx context.Context, email, code string) error {
	wantEmail := h.Session.GetString(ctx, signupEmailKey)
	wantCode := h.Session.GetString(ctx, signupCodeKey)
	expires := h.Session.GetTime(ctx, signupExpiresKey)
	if wantEmail == "" || wantCode == "" || time.Now().After(expires) {
		return validationError("verification code is invalid or has expired")
	}
	if wantEmail != email || subtle.ConstantTimeCompare([]byte(wantCode), []byte(code)) != 1 {
		return validationError("verification code is invalid or has expired")
	}
	return nil
}

func (h *Handlers) signUp(w http.ResponseWriter, r *http.Request) {
	user, err := Validated(h.gate, func(ctx context.Context, in signUpRequest) (*User, error) {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if err := h.checkCampusEmail(email); err != nil {
			return nil, err
		}
		if err := h.checkSignupCode(ctx, email, in.Code); err != nil {
			return nil, err
		}
		u, err := NewUser(email, in.Name, in.Password)
		if err != nil {
			return nil, err
		}
		if _, err := h.db.RegisterUser(ctx, u, in.InviteID, clientIP(r)); err != nil {
			return nil, err
		}
		h.clearSignupCode(ctx)
		return u, nil
	})(r.Context(), jsonBody[signUpRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.issueSession(w, user); err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("user_id", user.ID).Msg("user signed up")
	writeJSON(w, http.StatusCreated, user.Sanitize())
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email,min=3,max=255"`
	Password string `json:"password" validate:"required,min=8,max=100"`
}

func (h *Handlers) signIn(w http.ResponseWriter, r *http.Request) {
	user, err := Validated(h.gate, func(ctx context.Context, in signInRequest) (*User, error) {
		u, err := h.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
		if err != nil {
			return nil, err
		}
		if u == nil || u.Deleted() {
			return nil, errBadCredentials
		}
		ok, err := u.PasswordMatches(in.Password)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("user_id", u.ID).Msg("password check failed")
		}
		if !ok {
			return nil, errBadCredentials
		}
		return u, nil
	})(r.Context(), jsonBody[signInRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.issueSession(w, user); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logActivity(r.Context(), r, user.ID, ActivitySignIn)
	writeJSON(w, http.StatusOK, user.Sanitize())
}

func (h *Handlers) signOut(w http.ResponseWriter, r *http.Request) {
	if id := IdentityFrom(r.Context()); id.Authenticated() {
		h.logActivity(r.Context(), r, id.UserID, ActivitySignOut)
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, message{Message: "signed out"})
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,min=8,max=100"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=100,nefield=CurrentPassword"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=NewPassword"`
}

func (h *Handlers) updatePassword(w http.ResponseWriter, r *http.Request) {
	_, err := ValidatedWithUser(h.gate, func(ctx context.Context, in updatePasswordRequest, u *User) (struct{}, error) {
		ok, err := u.PasswordMatches(in.CurrentPassword)
		if err != nil || !ok {
			return struct{}{}, validationError("current password is incorrect")
		}
		if err := u.SetPassword(in.NewPassword); err != nil {
			return struct{}{}, err
		}
		if err := h.db.UpdatePasswordHash(ctx, u.ID, u.PasswordHash); err != nil {
			return struct{}{}, err
		}
		h.logActivity(ctx, r, u.ID, ActivityUpdatePassword)
		return struct{}{}, nil
	})(r.Context(), jsonBody[updatePasswordRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "password updated"})
}

type deleteAccountRequest struct {
	Password string `json:"password" validate:"required,min=8,max=100"`
}

func (h *Handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	_, err := ValidatedWithUser(h.gate, func(ctx context.Context, in deleteAccountRequest, u *User) (struct{}, error) {
		ok, err := u.PasswordMatches(in.Password)
		if err != nil || !ok {
			return struct{}{}, validationError("password is incorrect")
		}
		// Logged first: the membership that names the team goes away below.
		h.logActivity(ctx, r, u.ID, ActivityDeleteAccount)
		return struct{}{}, h.db.SoftDeleteUser(ctx, u.ID)
	})(r.Context(), jsonBody[deleteAccountRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, message{Message: "account deleted"})
}

// updateAccountRequest carries a code only when the email changes; the code
// comes from POST /auth/verification-code for the new address.
type updateAccountRequest struct {
	Name  string `json:"name" validate:"notblank,max=100"`
	Email string `json:"email" validate:"required,email,max=50"`
	Code  string `json:"code" validate:"omitempty,len=6,numeric"`
}

func (h *Handlers) clearSignupCode(ctx context.Context) {
	h.Session.Remove(ctx, signupEmailKey)
	h.Session.Remove(ctx, signupCodeKey)
	h.Session.Remove(ctx, signupExpiresKey)
}

func (h *Handlers) updateAccount(w http.ResponseWriter, r *http.Request) {
	user, err := ValidatedWithUser(h.gate, func(ctx context.Context, in updateAccountRequest, u *User) (*User, error) {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if err := h.checkCampusEmail(email); err != nil {
			return nil, err
		}
		changed := email != u.Email
		if changed {
			if err := h.checkSignupCode(ctx, email, in.Code); err != nil {
				return nil, err
			}
		}
		updated, err := h.db.UpdateAccount(ctx, u.ID, strings.TrimSpace(in.Name), email)
		if err != nil {
			if isConflict(err) {
				return nil, newError(KindConflict, "email is already in use")
			}
			return nil, err
		}
		if changed {
			h.clearSignupCode(ctx)
		}
		h.logActivity(ctx, r, u.ID, ActivityUpdateAccount)
		return updated, nil
	})(r.Context(), jsonBody[updateAccountRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// The email is part of the token.
	if err := h.issueSession(w, user); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Sanitize())
}

type inviteRequest struct {
	Email string   `json:"email" validate:"required,email"`
	Role  TeamRole `json:"role" validate:"required,oneof=owner member"`
}

func (h *Handlers) inviteTeamMember(w http.ResponseWriter, r *http.Request) {
	inv, err := WithTeam(h.gate, func(ctx context.Context, in inviteRequest, u *User, t *Team) (*Invitation, error) {
		inv, err := h.db.InviteTeamMember(ctx, t.ID, in.Email, in.Role, u.ID)
		if err != nil {
			return nil, err
		}
		if err := h.db.LogActivity(ctx, t.ID, u.ID, ActivityInviteTeamMember, clientIP(r)); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("activity not recorded")
		}
		return inv, nil
	})(r.Context(), jsonBody[inviteRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handlers) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	memberID := r.PathValue("memberId")
	_, err := WithTeam(h.gate, func(ctx context.Context, _ struct{}, u *User, t *Team) (struct{}, error) {
		removed, err := h.db.RemoveTeamMember(ctx, t.ID, memberID)
		if err != nil {
			return struct{}{}, err
		}
		if removed == "" {
			return struct{}{}, notFound("team member not found")
		}
		if err := h.db.LogActivity(ctx, t.ID, u.ID, ActivityRemoveTeamMember, clientIP(r)); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("activity not recorded")
		}
		return struct{}{}, nil
	})(r.Context(), noBody)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "team member removed"})
}

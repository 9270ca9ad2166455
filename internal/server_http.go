package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pulsechat/internal/presence"
	"pulsechat/internal/realtime"
	"pulsechat/internal/storage"
)

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=2,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type passwordChangeRequest struct {
	Current string `json:"currentPassword" validate:"required"`
	New     string `json:"newPassword" validate:"required,min=8,max=72"`
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
}

type addParticipantRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type userDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userDTO   `json:"user"`
}

type participantDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type conversationDTO struct {
	ID            string           `json:"id"`
	Participants  []participantDTO `json:"participants"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	CreatedAt     int64            `json:"createdAt"`
	UpdatedAt     int64            `json:"updatedAt"`
}

type presenceDTO struct {
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
	})
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	user, err := s.store.CreateUser(r.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.Email), hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username or email already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	s.logger.Info("user signed up", zap.String("user_id", user.ID), zap.String("username", user.Username))
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token := uuid.NewString()
	expiresAt := s.clock.Now().Add(s.tokenTTL).UTC()
	if err := s.store.CreateSession(r.Context(), user.ID, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: toUserDTO(user)})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	if err := s.store.DeleteSession(r.Context(), authCtx.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	var req passwordChangeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if bcrypt.CompareHashAndPassword(authCtx.User.PasswordHash, []byte(req.Current)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("current password is incorrect"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.New), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpdatePassword(r.Context(), authCtx.User.ID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleSearchUsers(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []userDTO{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	users, err := s.store.SearchUsers(r.Context(), query, authCtx.User.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]userDTO, 0, len(users))
	for i := range users {
		out = append(out, toUserDTO(&users[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	var req createConversationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	participants := append([]string{authCtx.User.ID}, req.ParticipantIDs...)
	conv, err := s.store.CreateConversation(r.Context(), participants)
	switch {
	case errors.Is(err, storage.ErrTooFewParticipants), errors.Is(err, storage.ErrUnknownParticipant):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dto, err := s.conversationDTO(r, conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	authCtx := authFromContext(r.Context())
	convs, err := s.store.ListUserConversations(r.Context(), authCtx.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]conversationDTO, 0, len(convs))
	for i := range convs {
		dto, err := s.conversationDTO(r, &convs[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HandleAddParticipant(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	var req addParticipantRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.store.AddParticipant(r.Context(), conv.ID, req.UserID); err != nil {
		switch {
		case errors.Is(err, storage.ErrUnknownParticipant):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	updated, err := s.store.FindConversation(r.Context(), conv.ID)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("reload conversation: %v", err))
		return
	}
	dto, err := s.conversationDTO(r, updated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]realtime.Envelope, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, realtime.Envelope{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         m.SenderID,
			Content:        m.Content,
			Timestamp:      m.CreatedAt.UnixMilli(),
			Seen:           m.Seen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HandleMarkSeen(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	authCtx := authFromContext(r.Context())
	n, err := s.store.MarkSeen(r.Context(), conv.ID, authCtx.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status := presence.StatusOffline
	if s.presence.IsOnline(userID) {
		status = presence.StatusOnline
	}
	dto := presenceDTO{
		UserID:      userID,
		Status:      string(status),
		Connections: len(s.presence.Connections(userID)),
	}
	if last, ok := s.presence.LastHeartbeat(userID); ok {
		dto.LastHeartbeat = last.UnixMilli()
	}
	writeJSON(w, http.StatusOK, dto)
}

// loadConversation fetches the {id} conversation and checks the caller belongs to it.
func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) (*storage.Conversation, bool) {
	authCtx := authFromContext(r.Context())
	conv, err := s.store.FindConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if conv == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil, false
	}
	if !conv.HasParticipant(authCtx.User.ID) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	return conv, true
}

func (s *Server) conversationDTO(r *http.Request, conv *storage.Conversation) (conversationDTO, error) {
	dto := conversationDTO{
		ID:            conv.ID,
		Participants:  make([]participantDTO, 0, len(conv.Participants)),
		LastMessageID: conv.LastMessageID,
		CreatedAt:     conv.CreatedAt.UnixMilli(),
		UpdatedAt:     conv.UpdatedAt.UnixMilli(),
	}
	for _, id := range conv.Participants {
		user, err := s.store.FindUser(r.Context(), id)
		if err != nil {
			return dto, err
		}
		p := participantDTO{ID: id, Online: s.presence.IsOnline(id)}
		if user != nil {
			p.Username = user.Username
		}
		dto.Participants = append(dto.Participants, p)
	}
	return dto, nil
}

func toUserDTO(user *storage.User) userDTO {
	return userDTO{ID: user.ID, Username: user.Username, Email: user.Email}
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

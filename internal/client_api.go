package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"pulsechat/internal/realtime"
)

var (
	httpTimeout    = 5 * time.Second
	historyLimit   = 100
	searchLimit    = 5
	errNoSuchUser  = errors.New("no user matches that name")
	errWrongScheme = errors.New("server URL must use http or https")
)

type sessionFile struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func apiSignup(baseURL, email, username, password string) error {
	payload := map[string]string{"email": email, "username": username, "password": password}
	return doJSONRequest(http.MethodPost, baseURL+"/auth/signup", "", payload, nil)
}

func apiLogin(baseURL, email, password string) (*loginResponse, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp loginResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/auth/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiLogout(baseURL, token string) error {
	return doJSONRequest(http.MethodPost, baseURL+"/auth/logout", token, nil, nil)
}

func apiListConversations(baseURL, token string) ([]conversationDTO, error) {
	var resp []conversationDTO
	err := doJSONRequest(http.MethodGet, baseURL+"/conversations", token, nil, &resp)
	return resp, err
}

func apiSearchUsers(baseURL, token, query string) ([]userDTO, error) {
	q := url.Values{"q": {query}, "limit": {fmt.Sprint(searchLimit)}}
	var resp []userDTO
	err := doJSONRequest(http.MethodGet, baseURL+"/users?"+q.Encode(), token, nil, &resp)
	return resp, err
}

func apiCreateConversation(baseURL, token string, participantIDs ...string) (*conversationDTO, error) {
	payload := createConversationRequest{ParticipantIDs: participantIDs}
	var resp conversationDTO
	if err := doJSONRequest(http.MethodPost, baseURL+"/conversations", token, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiListMessages(baseURL, token, conversationID string) ([]realtime.Envelope, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?limit=%d", baseURL, url.PathEscape(conversationID), historyLimit)
	var resp []realtime.Envelope
	err := doJSONRequest(http.MethodGet, endpoint, token, nil, &resp)
	return resp, err
}

func apiMarkSeen(baseURL, token, conversationID string) error {
	endpoint := baseURL + "/conversations/" + url.PathEscape(conversationID) + "/seen"
	return doJSONRequest(http.MethodPost, endpoint, token, nil, nil)
}

func doJSONRequest(method, endpoint, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// buildWebsocketURL turns the HTTP base into the realtime endpoint for userID,
// carrying the session token when there is one.
func buildWebsocketURL(baseURL, wsPath, userID, token string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", errWrongScheme
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + wsPath
	query := url.Values{"userId": {userID}}
	if token != "" {
		query.Set("token", token)
	}
	parsed.RawQuery = query.Encode()
	parsed.Fragment = ""
	return parsed.String(), nil
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.UserID == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

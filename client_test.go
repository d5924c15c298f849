package circle_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	circle "github.com/circle-im/circle-go"
)

func newRESTServer(t *testing.T, handler http.Handler) *circle.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return circle.NewClient("test-token", circle.WithBaseURL(srv.URL))
}

func TestLoginStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if body["email"] != "a@example.com" {
			t.Errorf("email = %q, want a@example.com", body["email"])
		}
		json.NewEncoder(w).Encode(circle.LoginResult{
			Token: "fresh-token",
			User:  circle.User{ID: "u-1", Username: "alice"},
		})
	})
	mux.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("Authorization = %q, want the login token", got)
		}
		fmt.Fprint(w, "[]")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := circle.NewClient("", circle.WithBaseURL(srv.URL))
	ctx := context.Background()

	result, err := client.Login(ctx, "a@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if result.User.Username != "alice" {
		t.Errorf("Username = %q, want alice", result.User.Username)
	}

	// Subsequent calls carry the freshly stored token.
	if _, err := client.ListConversations(ctx); err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
}

func TestSearchUsersShortQuerySkipsNetwork(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("short query reached the network")
	}))

	users, err := client.SearchUsers(context.Background(), "a")
	if err != nil {
		t.Fatalf("SearchUsers error: %v", err)
	}
	if users != nil {
		t.Fatalf("SearchUsers = %v, want nil", users)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"conversation not found"}`)
	}))

	_, err := client.ListMessages(context.Background(), "missing", nil)
	var apiErr *circle.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", apiErr.Status)
	}
	if apiErr.Message != "conversation not found" {
		t.Errorf("Message = %q, want the backend's error text", apiErr.Message)
	}
}

func TestListMessagesPagination(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "25" || q.Get("before") != "srv-10" {
			t.Errorf("query = %v, want limit=25 before=srv-10", q)
		}
		fmt.Fprint(w, "[]")
	}))

	_, err := client.ListMessages(context.Background(), "conv-1", &circle.PageOptions{Limit: 25, Before: "srv-10"})
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
}

func TestUploadMedia(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("conversationId"); got != "conv-1" {
			t.Errorf("conversationId = %q, want conv-1", got)
		}
		f, header, err := r.FormFile("media")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "png-bytes" {
			t.Errorf("file body = %q, want png-bytes", data)
		}
		json.NewEncoder(w).Encode(circle.MediaUpload{
			URL: "https://cdn.example.com/" + header.Filename, Type: "image/png",
			FileName: header.Filename, FileSize: int64(len(data)),
		})
	}))

	up, err := client.UploadMedia(context.Background(), "conv-1", &circle.MediaFile{
		Name: "pic.png", Mime: "image/png", Data: []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("UploadMedia error: %v", err)
	}
	if up.URL != "https://cdn.example.com/pic.png" {
		t.Errorf("URL = %q, want the hosted path", up.URL)
	}
}

func TestUploadMediaFailureWrapsSentinel(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusBadGateway)
	}))

	_, err := client.UploadMedia(context.Background(), "conv-1", &circle.MediaFile{
		Name: "pic.png", Mime: "image/png", Data: []byte("x"),
	})
	if !errors.Is(err, circle.ErrUploadFailed) {
		t.Fatalf("error = %v, want ErrUploadFailed", err)
	}
}

func TestMediaFileKind(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"image/png", circle.TypeImage},
		{"video/mp4", circle.TypeVideo},
		{"audio/ogg", circle.TypeAudio},
		{"application/pdf", circle.TypeFile},
	}
	for _, tc := range cases {
		f := &circle.MediaFile{Mime: tc.mime}
		if got := f.Kind(); got != tc.want {
			t.Errorf("Kind(%s) = %s, want %s", tc.mime, got, tc.want)
		}
	}
}

func TestGetOrCreateConversation(t *testing.T) {
	client := newRESTServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/chat/conversations/u-2" {
			t.Errorf("path = %s, want /api/chat/conversations/u-2", r.URL.Path)
		}
		json.NewEncoder(w).Encode(circle.Conversation{ID: "conv-9", OtherUserID: "u-2"})
	}))

	conv, err := client.GetOrCreateConversation(context.Background(), "u-2")
	if err != nil {
		t.Fatalf("GetOrCreateConversation error: %v", err)
	}
	if conv.ID != "conv-9" {
		t.Errorf("ID = %q, want conv-9", conv.ID)
	}
}

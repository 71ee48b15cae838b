package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCSRF(t *testing.T) *CSRF {
	t.Helper()
	guard, err := NewCSRF(CSRFConfig{
		HashKey:           []byte("0123456789abcdef0123456789abcdef"),
		SessionCookieName: testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct csrf guard: %v", err)
	}
	return guard
}

func issueCSRF(t *testing.T, guard *CSRF, sessionToken string) (string, *http.Cookie) {
	t.Helper()
	recorder := httptest.NewRecorder()
	token, err := guard.Issue(recorder, sessionToken)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 32 byte hex token, got %q", token)
	}
	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultCSRFCookieName {
		t.Fatalf("expected csrf cookie, got %+v", cookies)
	}
	return token, cookies[0]
}

func TestCSRFVerify(t *testing.T) {
	guard := newTestCSRF(t)
	token, cookie := issueCSRF(t, guard, "session-token")

	testCases := []struct {
		name    string
		header  string
		cookie  *http.Cookie
		session string
		wantErr error
	}{
		{name: "valid", header: token, cookie: cookie, session: "session-token"},
		{name: "missing header", cookie: cookie, session: "session-token", wantErr: ErrMissingCSRFToken},
		{name: "missing cookie", header: token, session: "session-token", wantErr: ErrMissingCSRFToken},
		{name: "mismatched header", header: "deadbeef", cookie: cookie, session: "session-token", wantErr: ErrInvalidCSRFToken},
		{name: "other session", header: token, cookie: cookie, session: "another-session", wantErr: ErrInvalidCSRFToken},
		{name: "tampered cookie", header: token, cookie: &http.Cookie{Name: DefaultCSRFCookieName, Value: cookie.Value + "x"}, session: "session-token", wantErr: ErrInvalidCSRFToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/api/items", http.NoBody)
			if testCase.header != "" {
				request.Header.Set(DefaultCSRFHeaderName, testCase.header)
			}
			if testCase.cookie != nil {
				request.AddCookie(testCase.cookie)
			}
			if testCase.session != "" {
				request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: testCase.session})
			}
			err := guard.Verify(request)
			if testCase.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestNewCSRFRequiresHashKey(t *testing.T) {
	if _, err := NewCSRF(CSRFConfig{}); !errors.Is(err, ErrMissingCSRFHashKey) {
		t.Fatalf("expected missing hash key error, got %v", err)
	}
}

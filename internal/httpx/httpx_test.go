package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/orangestock/market-engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("quantity: %w", model.ErrInvalidArgument), http.StatusBadRequest},
		{model.ErrUnauthenticated, http.StatusUnauthorized},
		{model.ErrInsufficientFunds, http.StatusConflict},
		{model.ErrInsufficientShares, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrForbidden, http.StatusForbidden},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFail_HidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	Fail(w, r, errors.New("pq: connection refused to 10.0.0.5"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "internal error" {
		t.Errorf("error = %q, want generic message", body["error"])
	}
}

func TestFail_ExposesDomainErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	Fail(w, r, fmt.Errorf("need 1500, have 100: %w", model.ErrInsufficientFunds))

	if w.Code != http.StatusConflict {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "insufficient funds") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		N int `json:"n"`
	}
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"n": 3}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); err != nil || v.N != 3 {
		t.Errorf("DecodeJSON = %v, n = %d", err, v.N)
	}

	r = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{not json`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &v); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	h := CORS([]string{"https://orange.example"})(ok)
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Origin", "https://orange.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://orange.example" {
		t.Errorf("allowed origin header = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unknown origin got %q", got)
	}

	r = httptest.NewRequest(http.MethodOptions, "/x", nil)
	w = httptest.NewRecorder()
	CORS([]string{"*"})(ok).ServeHTTP(w, r)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, "nope", http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTeapot || !strings.Contains(w.Body.String(), "nope") {
		t.Errorf("response = %d %s", w.Code, w.Body.String())
	}
}

package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/authority"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/chain"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	if err := ReadJSON(r, &dst); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestWriteVerificationErrorCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{replay.ErrReplayRejected, http.StatusConflict, "REPLAY_REJECTED"},
		{authority.ErrExpired, http.StatusUnauthorized, "EXPIRED"},
		{signature.ErrInvalidSignature, http.StatusUnprocessableEntity, "INVALID_SIGNATURE"},
		{fmt.Errorf("wrap: %w", chain.ErrAuthorityBinding), http.StatusUnprocessableEntity, "CHAIN_ERROR"},
		{fmt.Errorf("db down"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		WriteVerificationError(w, tc.err)
		if w.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, w.Code, tc.status)
		}
		var body struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if body.Error.Code != tc.code {
			t.Fatalf("%v: code %q, want %q", tc.err, body.Error.Code, tc.code)
		}
		if !strings.HasPrefix(body.RequestID, "req_") {
			t.Fatalf("request id %q", body.RequestID)
		}
	}
}

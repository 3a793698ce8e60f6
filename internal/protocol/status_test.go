package protocol

import "testing"

func TestCodeNameBijection(t *testing.T) {
	for code := 0; code <= 16; code++ {
		name := CodeName(code)
		if name == "" {
			t.Fatalf("code %d has no name", code)
		}
		if got := CodeFromName(name); got != code {
			t.Errorf("CodeFromName(CodeName(%d)) = %d", code, got)
		}
	}
}

func TestCodeNameUnknown(t *testing.T) {
	for _, code := range []int{-1, 17, 99} {
		if got := CodeName(code); got != "UNKNOWN" {
			t.Errorf("CodeName(%d) = %q, want UNKNOWN", code, got)
		}
	}
	if got := CodeFromName("NO_SUCH_CODE"); got != CodeUnknown {
		t.Errorf("CodeFromName(NO_SUCH_CODE) = %d, want %d", got, CodeUnknown)
	}
}

func TestCodeFromNameCaseInsensitive(t *testing.T) {
	if got := CodeFromName("permission_denied"); got != CodePermissionDenied {
		t.Errorf("lowercase name = %d, want %d", got, CodePermissionDenied)
	}
}

func TestConnectCodeName(t *testing.T) {
	if got := ConnectCodeName(CodePermissionDenied); got != "permission_denied" {
		t.Errorf("ConnectCodeName = %q", got)
	}
	if got := ConnectCodeName(CodeInvalidArgument); got != "invalid_argument" {
		t.Errorf("ConnectCodeName = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{CodeOK, 200},
		{CodeInvalidArgument, 400},
		{CodeUnauthenticated, 401},
		{CodePermissionDenied, 403},
		{CodeNotFound, 404},
		{CodeUnimplemented, 501},
		{CodeUnavailable, 503},
		{CodeDeadlineExceeded, 504},
		{99, 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%d) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

package rpc

import (
	"errors"
	"fmt"
	"testing"
)

func TestBusinessErrorIs(t *testing.T) {
	body := []byte(`{"errors":{"encryptionKeyId":{"code":3003,"translationKey":"keyNotFound"}}}`)
	berr, err := ParseBusinessError(body)
	if err != nil {
		t.Fatal(err)
	}

	wrapped := fmt.Errorf("request failed: %w", berr)
	if !errors.Is(wrapped, ErrKeyNotFound) {
		t.Fatalf("unexpected errors.Is result: got false, want true")
	}
	if errors.Is(wrapped, ErrTooFast) {
		t.Fatalf("unexpected errors.Is(ErrTooFast): got true, want false")
	}
	if errors.Is(wrapped, ErrMiddleKeysNotFound) {
		t.Fatalf("unexpected errors.Is(ErrMiddleKeysNotFound): got true, want false")
	}

	var got BusinessError
	if !errors.As(wrapped, &got) {
		t.Fatalf("unexpected errors.As result: got false, want true")
	}
	if got.Errors[FieldEncryptionKeyID].TranslationKey != "keyNotFound" {
		t.Fatalf("unexpected translation key %q",
			got.Errors[FieldEncryptionKeyID].TranslationKey)
	}
}

func TestBusinessErrorFieldMismatch(t *testing.T) {
	// The same code on a different field is a different error.
	berr := NewBusinessError(FieldEncryptionKeyID, CodeTooFast, "")
	if errors.Is(berr, ErrTooFast) {
		t.Fatalf("unexpected errors.Is result: got true, want false")
	}

	berr = NewBusinessError(FieldGeneral, CodeMiddleKeysNotFound, "")
	if !errors.Is(berr, ErrMiddleKeysNotFound) {
		t.Fatalf("unexpected errors.Is result: got false, want true")
	}
}

func TestParseBusinessErrorEmpty(t *testing.T) {
	tests := []string{
		`{}`,
		`{"errors":{}}`,
		`not json`,
	}
	for _, tc := range tests {
		if _, err := ParseBusinessError([]byte(tc)); err == nil {
			t.Fatalf("unexpected nil error for body %q", tc)
		}
	}
}

func TestBusinessErrorString(t *testing.T) {
	berr := BusinessError{Errors: map[string]ErrorDataElement{
		FieldDirectChannelID: {Code: CodeTooFast},
		FieldGeneral:         {Code: CodeMiddleKeysNotFound, TranslationKey: "mk"},
	}}
	want := "business error: _=3004 (mk), directChannelId=4002"
	if got := berr.Error(); got != want {
		t.Fatalf("unexpected error string: got %q, want %q", got, want)
	}
}

func TestMessageIDOptimistic(t *testing.T) {
	tests := []struct {
		id   MessageID
		want bool
	}{
		{id: -1, want: true},
		{id: -1000, want: true},
		{id: 0, want: false},
		{id: 1, want: false},
	}
	for _, tc := range tests {
		if got := tc.id.IsOptimistic(); got != tc.want {
			t.Fatalf("%d: unexpected IsOptimistic: got %v, want %v",
				tc.id, got, tc.want)
		}
	}
}

package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesKindAndReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same sentinel",
			err:    ErrInsufficientStock,
			target: ErrInsufficientStock,
			want:   true,
		},
		{
			name:   "copy with message",
			err:    ErrInsufficientStock.Withf("sku %d", 43),
			target: ErrInsufficientStock,
			want:   true,
		},
		{
			name:   "wrapped by fmt",
			err:    fmt.Errorf("reserve: %w", ErrInsufficientReserved.Withf("sku 1")),
			target: ErrInsufficientReserved,
			want:   true,
		},
		{
			name:   "joined",
			err:    errors.Join(ErrInvalidState, errors.New("additional context")),
			target: ErrInvalidState,
			want:   true,
		},
		{
			name:   "same kind other reason",
			err:    ErrInsufficientStock,
			target: ErrInsufficientReserved,
			want:   false,
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			target: ErrOrderNotFound,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindAndReasonOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrap: %w", ErrOfferNotFound)); got != KindNotFound {
		t.Fatalf("unexpected kind: %s", got)
	}
	if got := ReasonOf(ErrOfferNotFound); got != "current_offer_not_found" {
		t.Fatalf("unexpected reason: %s", got)
	}
	if got := KindOf(errors.New("db is down")); got != KindInternal {
		t.Fatalf("untyped errors must be INTERNAL, got %s", got)
	}
	if got := ReasonOf(nil); got != "internal" {
		t.Fatalf("unexpected reason for nil: %s", got)
	}
}

func TestInternal_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal("insert order", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if KindOf(err) != KindInternal {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
}

func TestErrorKind_HTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindBadRequest:   http.StatusBadRequest,
		KindNotFound:     http.StatusNotFound,
		KindConflict:     http.StatusConflict,
		KindUnauthorized: http.StatusUnauthorized,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s: got %d want %d", kind, got, want)
		}
	}
}

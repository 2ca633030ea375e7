// Stompgate - WebSocket to STOMP Broker Relay Gateway
// Copyright 2026 Li Jian (lijian0706)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lijian0706/stompgate

package validation

import (
	"strings"
	"testing"
)

func TestIsValidDestination(t *testing.T) {
	tests := []struct {
		dest string
		want bool
	}{
		{"/topic/greetings", true},
		{"/queue/orders", true},
		{"/user/queue/greetings", true},
		{"/a", true},
		{"/", false},
		{"", false},
		{"topic/greetings", false},
		{"/topic/greet\x00ings", false},
		{"/topic/greet\nings", false},
		{"/topic/greet\rings", false},
	}

	for _, tt := range tests {
		if got := IsValidDestination(tt.dest); got != tt.want {
			t.Errorf("IsValidDestination(%q) = %v, want %v", tt.dest, got, tt.want)
		}
	}
}

func TestValidateStructStompDest(t *testing.T) {
	type req struct {
		Destination string `validate:"required,stompdest"`
	}

	if err := ValidateStruct(&req{Destination: "/topic/greetings"}); err != nil {
		t.Errorf("valid destination rejected: %v", err)
	}

	err := ValidateStruct(&req{Destination: "no-slash"})
	if err == nil {
		t.Fatal("invalid destination accepted")
	}
	if !strings.Contains(err.Error(), "slash-rooted") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestValidateStructMultipleErrors(t *testing.T) {
	type req struct {
		Username    string `validate:"required,max=8"`
		Destination string `validate:"required,stompdest"`
	}

	err := ValidateStruct(&req{})
	if err == nil {
		t.Fatal("empty request accepted")
	}
	if len(err.Errors()) != 2 {
		t.Fatalf("got %d errors, want 2", len(err.Errors()))
	}

	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", apiErr.Code)
	}
	if _, ok := apiErr.Details["fields"]; !ok {
		t.Error("multi-error APIError should list fields")
	}
}

func TestValidateStructSingleErrorDetails(t *testing.T) {
	type req struct {
		Username string `validate:"required"`
	}

	err := ValidateStruct(&req{})
	if err == nil {
		t.Fatal("empty request accepted")
	}

	apiErr := err.ToAPIError()
	if apiErr.Details["field"] != "Username" {
		t.Errorf("field detail = %v, want Username", apiErr.Details["field"])
	}
	if apiErr.Message != "Username is required" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		client string
		ok     bool
	}{
		{Version, true},
		{"0.20.0", true},
		{"v0.20.0-beta.1", true},
		{"v0.19.3", false},
		{"v0.21.0", false},
		{"v0.20.1", false},
		{"v1.0.0", false},
		{"", false},
		{"banana", false},
	}
	for _, tc := range cases {
		err := Negotiate(tc.client)
		if tc.ok {
			assert.NoError(t, err, "client %q", tc.client)
		} else {
			assert.True(t, errors.Is(err, ErrVersionMismatch), "client %q: %v", tc.client, err)
		}
	}
}

func TestPropertyNegotiateRejectsOtherMajors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		major := rapid.IntRange(1, 50).Draw(t, "major")
		minor := rapid.IntRange(0, 50).Draw(t, "minor")
		patch := rapid.IntRange(0, 50).Draw(t, "patch")
		v := fmt.Sprintf("v%d.%d.%d", major, minor, patch)
		if err := Negotiate(v); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("version %s accepted", v)
		}
	})
}

package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{name: "unset", raw: "", want: time.Second},
		{name: "millis", raw: "1500", want: 1500 * time.Millisecond},
		{name: "go duration", raw: "5m", want: 5 * time.Minute},
		{name: "negative", raw: "-3", want: time.Second},
		{name: "garbage", raw: "soon", want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SUPPORTDESK_TEST_DURATION", tt.raw)
			assert.Equal(t, tt.want, Duration("SUPPORTDESK_TEST_DURATION", time.Second))
		})
	}
}

func TestCSVDedupesAndTrims(t *testing.T) {
	t.Setenv("SUPPORTDESK_TEST_CSV", " a, b ,a,, c ")
	assert.Equal(t, []string{"a", "b", "c"}, CSV("SUPPORTDESK_TEST_CSV", []string{"x"}))

	t.Setenv("SUPPORTDESK_TEST_CSV", " , ")
	assert.Equal(t, []string{"x"}, CSV("SUPPORTDESK_TEST_CSV", []string{"x"}))
}

func TestFirstString(t *testing.T) {
	t.Setenv("SUPPORTDESK_A", "")
	t.Setenv("SUPPORTDESK_B", "second")
	assert.Equal(t, "second", FirstString("fallback", "SUPPORTDESK_A", "SUPPORTDESK_B"))
	assert.Equal(t, "fallback", FirstString("fallback", "SUPPORTDESK_A"))
}

func TestIntRejectsNonPositive(t *testing.T) {
	t.Setenv("SUPPORTDESK_TEST_INT", "0")
	assert.Equal(t, 7, Int("SUPPORTDESK_TEST_INT", 7))
	t.Setenv("SUPPORTDESK_TEST_INT", "12")
	assert.Equal(t, 12, Int("SUPPORTDESK_TEST_INT", 7))
}

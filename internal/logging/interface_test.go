package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{" warning ", LevelWarning, true},
		{"WARN", LevelWarning, true},
		{"Error", LevelError, true},
		{"CRITICAL", LevelCritical, true},
		{"FATAL", LevelCritical, true},
		{"verbose", LevelInfo, false},
		{"", LevelInfo, false},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.ok {
			assert.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		} else {
			assert.Error(t, err, "input %q", tc.in)
		}
	}
}

func TestLevelString_RoundTrip(t *testing.T) {
	for lvl := LevelDebug; lvl <= LevelCritical; lvl++ {
		parsed, err := ParseLevel(lvl.String())
		assert.NoError(t, err)
		assert.Equal(t, lvl, parsed)
	}
	assert.Equal(t, "LEVEL(99)", Level(99).String())
}

func TestParseOverflowPolicy(t *testing.T) {
	cases := []struct {
		in   string
		want OverflowPolicy
		ok   bool
	}{
		{"drop-newest", DropNewest, true},
		{"drop", DropNewest, true},
		{"drop-oldest", DropOldest, true},
		{"BLOCK", Block, true},
		{"block-with-timeout", Block, true},
		{"reject", DropNewest, false},
	}

	for _, tc := range cases {
		got, err := ParseOverflowPolicy(tc.in)
		if tc.ok {
			assert.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		} else {
			assert.Error(t, err, "input %q", tc.in)
		}
	}
}

package access

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestController_Allowed(t *testing.T) {
	c := NewController(map[string][]string{
		"telegram": {"42", " 7 "},
		"discord":  {},
		"matrix":   {"  "},
	})

	tests := []struct {
		channel string
		sender  string
		want    bool
	}{
		{"telegram", "42", true},
		{"telegram", "7", true},
		{"telegram", "8", false},
		{"telegram", "", false},
		{"discord", "anyone", true},
		{"matrix", "@bob:example.org", true},
		{"slack", "U123", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Allowed(tt.channel, tt.sender), "%s/%s", tt.channel, tt.sender)
	}
}

func TestController_SetAllowList(t *testing.T) {
	c := NewController(nil)
	assert.True(t, c.Allowed("socket", "client-a"))

	c.SetAllowList("socket", []string{"client-b", "client-a"})
	assert.False(t, c.Allowed("socket", "client-c"))
	assert.Equal(t, []string{"client-a", "client-b"}, c.AllowList("socket"))

	c.SetAllowList("socket", nil)
	assert.True(t, c.Allowed("socket", "client-c"))
	assert.Nil(t, c.AllowList("socket"))
}

func TestController_ConcurrentAccess(t *testing.T) {
	c := NewController(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SetAllowList("webhook", []string{"a"})
		}()
		go func() {
			defer wg.Done()
			_ = c.Allowed("webhook", "a")
		}()
	}
	wg.Wait()
	assert.True(t, c.Allowed("webhook", "a"))
}

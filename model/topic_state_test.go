package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicState_CanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TopicState
		to      TopicState
		allowed bool
	}{
		{"unconfigured to alive", TopicStateUnconfigured, TopicStateAlive, true},
		{"unconfigured to dead", TopicStateUnconfigured, TopicStateDead, true},
		{"unconfigured to unreferenced", TopicStateUnconfigured, TopicStateUnreferenced, false},
		{"alive to unreferenced", TopicStateAlive, TopicStateUnreferenced, true},
		{"alive to soft erased", TopicStateAlive, TopicStateSoftErased, true},
		{"alive to dead", TopicStateAlive, TopicStateDead, true},
		{"alive to unconfigured", TopicStateAlive, TopicStateUnconfigured, false},
		{"unreferenced back to alive", TopicStateUnreferenced, TopicStateAlive, true},
		{"unreferenced to soft erased", TopicStateUnreferenced, TopicStateSoftErased, true},
		{"unreferenced to dead", TopicStateUnreferenced, TopicStateDead, true},
		{"soft erased to dead", TopicStateSoftErased, TopicStateDead, true},
		{"soft erased back to alive", TopicStateSoftErased, TopicStateAlive, false},
		{"dead is terminal", TopicStateDead, TopicStateAlive, false},
		{"dead to dead", TopicStateDead, TopicStateDead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTopicState_IsTerminal(t *testing.T) {
	assert.True(t, TopicStateDead.IsTerminal())
	assert.False(t, TopicStateAlive.IsTerminal())
	assert.False(t, TopicStateUnconfigured.IsTerminal())
	assert.False(t, TopicStateUnreferenced.IsTerminal())
	assert.False(t, TopicStateSoftErased.IsTerminal())
}

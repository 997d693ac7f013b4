package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quartermile/ledgerflow/pkg/api"
)

func TestRunIDForIsDeterministic(t *testing.T) {
	eventID := api.NewEventID()

	first := api.RunIDFor("pdf-generation", eventID)
	second := api.RunIDFor("pdf-generation", eventID)
	assert.Equal(t, first, second)

	other := api.RunIDFor("email-workflow", eventID)
	assert.NotEqual(t, first, other)
}

func TestNewEventIDIsUnique(t *testing.T) {
	seen := map[api.EventID]bool{}
	for range 100 {
		id := api.NewEventID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

package api_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quartermile/ledgerflow/pkg/api"
)

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg      string
		expected api.Subclass
	}{
		{"dial tcp: connection refused", api.SubclassNetwork},
		{"getaddrinfo ENOTFOUND fx.example.com", api.SubclassNetwork},
		{"rate limit exceeded", api.SubclassRateLimit},
		{"HTTP 429 Too Many Requests", api.SubclassRateLimit},
		{"request timed out after 45s", api.SubclassTimeout},
		{"context deadline exceeded", api.SubclassTimeout},
		{"renderer out of memory", api.SubclassMemory},
		{"heap exhausted", api.SubclassMemory},
		{"temporary failure, try again", api.SubclassTemporary},
		{"upstream returned 503", api.SubclassTemporary},
		{"unauthorized", api.SubclassAuth},
		{"HTTP 403 Forbidden", api.SubclassAuth},
		{"validation failed: missing tenantId", api.SubclassValidation},
		{"invalid currency code", api.SubclassValidation},
		{"something exploded", api.SubclassUnknown},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, api.ClassifyMessage(c.msg), c.msg)
	}
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	f := api.Classify(errors.New("something exploded"))
	assert.Equal(t, api.ClassTransient, f.Class)
	assert.Equal(t, api.SubclassUnknown, f.Subclass)
	assert.True(t, f.Retriable())
}

func TestClassifyFatalSubclasses(t *testing.T) {
	f := api.Classify(errors.New("validation failed: bad request"))
	assert.Equal(t, api.ClassFatal, f.Class)
	assert.False(t, f.Retriable())

	f = api.Classify(errors.New("HTTP 401 unauthorized"))
	assert.Equal(t, api.ClassFatal, f.Class)
}

func TestClassifyPassesThroughExplicitFailures(t *testing.T) {
	orig := api.Fatal(api.SubclassIntegrity, "step name conflict: %s", "x")
	f := api.Classify(orig)
	assert.Same(t, orig, f)
}

func TestWaitUntilIsNotAFailure(t *testing.T) {
	at := time.Now().Add(time.Hour)
	var err error = &api.WaitUntil{At: at}

	w, ok := api.IsWaitUntil(err)
	assert.True(t, ok)
	assert.Equal(t, at, w.At)

	var f *api.Failure
	assert.False(t, errors.As(err, &f))
}

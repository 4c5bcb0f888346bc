package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeWsURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8001", MakeWsURL("http://localhost:8001"))
	assert.Equal(t, "wss://myresource.openai.azure.com", MakeWsURL("https://myresource.openai.azure.com"))
	assert.Equal(t, "wss://host/path", MakeWsURL("wss://host/path"))
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "tok-123", ExtractBearer("Bearer tok-123"))
	assert.Equal(t, "tok-123", ExtractBearer("Bearer  tok-123 "))
	assert.Equal(t, "", ExtractBearer("Basic dXNlcjpwYXNz"))
	assert.Equal(t, "", ExtractBearer(""))
	assert.Equal(t, "", ExtractBearer("bearer tok-123"))
}

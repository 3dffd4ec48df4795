package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURLs(t *testing.T) {
	res := ValidateURLs([]string{
		"https://example.com/proof.png",
		"HTTP://Example.COM:80/a//b#frag",
		"ftp://example.com/file",
		"javascript:alert(1)",
		"not a url",
		"https://",
		"mailto:someone@example.com",
		"https://dl.example.com/setup.exe",
		"",
	})

	assert.Equal(t, []string{
		"https://example.com/proof.png",
		"http://example.com/a/b",
	}, res.Valid)
	assert.Len(t, res.Invalid, 7)
}

func TestValidateURLsEmpty(t *testing.T) {
	res := ValidateURLs(nil)
	assert.Empty(t, res.Valid)
	assert.Empty(t, res.Invalid)
	assert.NotNil(t, res.Valid)
}

package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    AddressVerdict
	}{
		{"plain", "anne@example.com", AddressOK},
		{"plus detail", "anne+lists@example.com", AddressOK},
		{"subdomain", "bob@mail.example.co.uk", AddressOK},
		{"empty", "", AddressBad},
		{"no at", "anne.example.com", AddressBad},
		{"no domain", "anne@", AddressBad},
		{"no local part", "@example.com", AddressBad},
		{"single label domain", "anne@localhost", AddressBad},
		{"pipe", "anne|rm@example.com", AddressHostile},
		{"semicolon", "anne;ls@example.com", AddressHostile},
		{"leading dash", "-oQ/tmp@example.com", AddressHostile},
		{"backtick", "`id`@example.com", AddressHostile},
		{"control char", "anne\x01@example.com", AddressHostile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckAddress(tt.address))
			assert.Equal(t, tt.want == AddressOK, IsValidAddress(tt.address))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "Anne@example.com", NormalizeAddress(" <Anne@EXAMPLE.com> "))
	assert.Equal(t, "anne@example.com", AddressKey("Anne@EXAMPLE.com"))
	assert.Equal(t, "nodomain", NormalizeAddress("nodomain"))
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain := SplitEmailAddress("Mailer-Daemon@Example.COM")
	assert.Equal(t, "mailer-daemon", local)
	assert.Equal(t, "example.com", domain)

	local, domain = SplitEmailAddress("postmaster")
	assert.Equal(t, "postmaster", local)
	assert.Empty(t, domain)
}

func TestParseSubscribee(t *testing.T) {
	tests := []struct {
		entry    string
		wantName string
		wantAddr string
		wantOK   bool
	}{
		{"Anne Person <anne@example.com>", "Anne Person", "anne@example.com", true},
		{"bob@example.com", "", "bob@example.com", true},
		{"  ", "", "", false},
		{"not an address", "", "not an address", true},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			name, addr, ok := ParseSubscribee(tt.entry)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"90s", 90 * time.Second, false},
		{"72h", 72 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"40kb", 40 << 10},
		{"25MB", 25 << 20},
		{"1g", 1 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseSize("-1")
	require.Error(t, err)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(8)
	require.NoError(t, err)
	b, err := RandomToken(8)
	require.NoError(t, err)
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
	for _, r := range a {
		assert.True(t, strings.ContainsRune(seedAlphabet, r))
	}
}

func TestRandomInt64InRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		n, err := RandomInt64InRange(10, 20)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(10))
		assert.Less(t, n, int64(20))
	}
}

func TestHashContent(t *testing.T) {
	h1 := HashContent([]byte("message 1"))
	h2 := HashContent([]byte("message 1"))
	h3 := HashContent([]byte("message 2"))
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestSanitizeHeaderValue(t *testing.T) {
	assert.Equal(t, "Ant  Bcc: x", SanitizeHeaderValue("Ant\r\nBcc: x"))
	assert.Equal(t, "ab", SanitizeUTF8("a\x00b"))
	assert.Equal(t, "ab", SanitizeUTF8("a\xffb"))
}

func TestExtractPlainText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain single part",
			raw:  "From: anne@example.com\r\nSubject: help\r\n\r\nlists\r\nhelp\r\n",
			want: "lists\r\nhelp",
		},
		{
			name: "multipart alternative prefers plain",
			raw: "From: anne@example.com\r\n" +
				"Content-Type: multipart/alternative; boundary=XX\r\n\r\n" +
				"--XX\r\nContent-Type: text/html\r\n\r\n<p>who</p>\r\n" +
				"--XX\r\nContent-Type: text/plain\r\n\r\nwho\r\n" +
				"--XX--\r\n",
			want: "who",
		},
		{
			name: "html only",
			raw: "From: anne@example.com\r\n" +
				"Content-Type: text/html\r\n\r\n<p>info</p>",
			want: "info",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := ParseMessage(strings.NewReader(tt.raw))
			require.NoError(t, err)
			got, err := ExtractPlainText(entity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(got))
		})
	}
}

func TestHeaderHelpers(t *testing.T) {
	raw := "From: Anne Person <anne@EXAMPLE.com>\r\nSubject: =?utf-8?q?subscribe?=\r\n\r\n"
	entity, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "anne@example.com", HeaderFrom(entity))
	assert.Equal(t, "subscribe", HeaderSubject(entity))
}

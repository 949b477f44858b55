package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/fetchgate/internal/config"
	"github.com/ushineko/fetchgate/internal/fetch"
	"github.com/ushineko/fetchgate/internal/resolve"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s, err := config.NewSettings("http://data.internal/v1/", 5*time.Second, []string{"data.internal", "partner.com"})
	require.NoError(t, err)
	return s
}

func TestCheckReference(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr error
		want    []string
	}{
		{
			name: "relative allowed",
			ref:  "report.json",
			want: []string{"kind:      relative", "candidate: http://data.internal/v1/report.json", "allowed (matches data.internal)"},
		},
		{
			name: "subdomain allowed",
			ref:  "https://api.partner.com/status",
			want: []string{"kind:      absolute", "host:      api.partner.com", "allowed (matches partner.com)"},
		},
		{
			name:    "foreign host denied",
			ref:     "http://data.internal.attacker.net/",
			wantErr: errDenied,
			want:    []string{"denied (host not on allow-list)"},
		},
		{
			name:    "protocol denied",
			ref:     "ftp://data.internal/file",
			wantErr: fetch.ErrDisallowedProtocol,
			want:    []string{"denied (protocol not allowed)"},
		},
		{
			name:    "malformed",
			ref:     "../admin",
			wantErr: resolve.ErrMalformedReference,
			want:    []string{"verdict:   malformed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := checkReference(&buf, testSettings(t), tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, errDenied)
			} else {
				assert.NoError(t, err)
			}
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

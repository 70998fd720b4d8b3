package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{
			name:     "https with REST port maps to gRPC port",
			url:      "https://xyz.cloud.qdrant.io:6333",
			wantHost: "xyz.cloud.qdrant.io",
			wantPort: 6334,
			wantTLS:  true,
		},
		{
			name:     "http localhost explicit gRPC port",
			url:      "http://localhost:6334",
			wantHost: "localhost",
			wantPort: 6334,
			wantTLS:  false,
		},
		{
			name:     "no port defaults to gRPC port",
			url:      "http://qdrant",
			wantHost: "qdrant",
			wantPort: 6334,
			wantTLS:  false,
		},
		{
			name:    "garbage",
			url:     "not a url",
			wantErr: true,
		},
		{
			name:    "invalid port",
			url:     "http://host:notaport",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := pointID("panasonic#plasma-exit-2012")
	b := pointID("panasonic#plasma-exit-2012")
	c := pointID("panasonic#plasma-exit-2013")

	assert.Equal(t, a, b, "same node id must map to the same point")
	assert.NotEqual(t, a, c)
}

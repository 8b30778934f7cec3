package objkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "pics/alice/t3_a.jpg", want: "pics/alice/t3_a.jpg"},
		{in: "pics//alice/./t3_a", want: "pics/alice/t3_a"},
		{in: `pics\alice\x.png`, want: "pics/alice/x.png"},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "../outside", wantErr: true},
		{in: "a/../../outside", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := Clean(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	got, err := Join("/media/", "pics/a.jpg")
	require.NoError(t, err)
	require.Equal(t, "media/pics/a.jpg", got)

	got, err = Join("", "pics/a.jpg")
	require.NoError(t, err)
	require.Equal(t, "pics/a.jpg", got)

	_, err = Join("media", "../a.jpg")
	require.Error(t, err)
}

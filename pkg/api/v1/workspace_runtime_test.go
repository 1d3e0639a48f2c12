package v1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveCoderName(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		want      string
		wantErr   string
	}{
		{
			name:  "underscores become hyphens",
			input: "my_feature_branch",
			want:  "my-feature-branch",
		},
		{
			name:    "all hyphens collapses to nothing and fails",
			input:   "---",
			wantErr: "cannot be converted to a valid Coder name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DeriveCoderName(tc.input)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				require.Contains(t, err.Error(), tc.input)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.True(t, coderNamePattern.MatchString(got))
		})
	}
}

func TestDeriveCoderName_HostDerivation(t *testing.T) {
	coderName, err := DeriveCoderName("my_feature_branch")
	require.NoError(t, err)
	host := coderName + ".coder"
	require.Equal(t, "my-feature-branch.coder", host)
}

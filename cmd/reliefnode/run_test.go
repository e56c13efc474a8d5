package main

import (
	"testing"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentUser(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		kind    string
		want    models.User
		wantErr bool
	}{
		{name: "authority", id: "HQ", kind: "authority", want: models.User{ID: "HQ", Type: models.Authority}},
		{name: "upper case", id: "U1", kind: "VOLUNTEER", want: models.User{ID: "U1", Type: models.Volunteer}},
		{name: "unknown type", id: "U1", kind: "admin", wantErr: true},
		{name: "missing id", id: "", kind: "survivor", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID, userType = tc.id, tc.kind
			t.Cleanup(func() { userID, userType = "", "survivor" })

			got, err := currentUser()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "probe", "send"} {
		assert.True(t, names[want], want)
	}

	for _, c := range []string{"run", "send"} {
		cmd, _, err := rootCmd.Find([]string{c})
		require.NoError(t, err)
		assert.NotNil(t, cmd.Flags().Lookup("user"), c)
		assert.NotNil(t, cmd.Flags().Lookup("type"), c)
	}
}

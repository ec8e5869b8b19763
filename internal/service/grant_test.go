package service

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"bingohall/internal/apperr"
	"bingohall/internal/model"
)

func grantFixture() (*GrantService, *model.Session, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	grants := NewGrantService([]byte("test-secret"), time.Hour, clock)
	session := &model.Session{
		ID:          "ABC123",
		AccessToken: "TOKEN999",
		HostID:      "host_1",
		Players: []model.Player{
			{ID: "p_1", Name: "Alice", BingoCount: 2, Board: model.Board{{0}}},
		},
	}
	return grants, session, clock
}

func validRequest(participantID string) *SubscribeRequest {
	return &SubscribeRequest{
		ConnectionID:  "conn-1",
		ChannelName:   "session-ABC123",
		SessionID:     "ABC123",
		AccessToken:   "TOKEN999",
		ParticipantID: participantID,
	}
}

func TestAuthorizeRoles(t *testing.T) {
	grants, session, _ := grantFixture()

	cases := []struct {
		name          string
		participantID string
		wantRole      Role
	}{
		{name: "host", participantID: "host_1", wantRole: RoleHost},
		{name: "player", participantID: "p_1", wantRole: RolePlayer},
		{name: "observer", participantID: "someone-else", wantRole: RoleObserver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			grant, participant, err := grants.Authorize(session, validRequest(tc.participantID))
			require.NoError(t, err)
			require.NotEmpty(t, grant)
			require.Equal(t, tc.wantRole, participant.Role)
			if tc.wantRole == RolePlayer {
				require.Equal(t, "Alice", participant.Name)
				require.NotNil(t, participant.BingoCount)
				require.Equal(t, 2, *participant.BingoCount)
				require.NotEmpty(t, participant.Board)
			}
		})
	}
}

func TestAuthorizeRejections(t *testing.T) {
	grants, session, _ := grantFixture()

	cases := []struct {
		name   string
		mutate func(*SubscribeRequest)
		want   apperr.Kind
	}{
		{
			name:   "wrong channel name",
			mutate: func(r *SubscribeRequest) { r.ChannelName = "session-OTHER1" },
			want:   apperr.KindValidation,
		},
		{
			name:   "underscore spelling is not the canonical topic",
			mutate: func(r *SubscribeRequest) { r.ChannelName = "session_ABC123" },
			want:   apperr.KindValidation,
		},
		{
			name:   "wrong access token",
			mutate: func(r *SubscribeRequest) { r.AccessToken = "nope" },
			want:   apperr.KindUnauthorized,
		},
		{
			name:   "missing connection id",
			mutate: func(r *SubscribeRequest) { r.ConnectionID = "" },
			want:   apperr.KindValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest("p_1")
			tc.mutate(req)
			_, _, err := grants.Authorize(session, req)
			require.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
}

func TestGrantRoundTrip(t *testing.T) {
	grants, session, clock := grantFixture()

	grant, _, err := grants.Authorize(session, validRequest("p_1"))
	require.NoError(t, err)

	claims, err := grants.Validate(grant, "session-ABC123")
	require.NoError(t, err)
	require.Equal(t, "ABC123", claims.SessionID)
	require.Equal(t, "p_1", claims.ParticipantID)
	require.Equal(t, RolePlayer, claims.Role)

	// A grant does not cover another session's channel.
	_, err = grants.Validate(grant, "session-OTHER1")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	// Session ids are case-sensitive, so a folded spelling is a
	// different channel.
	_, err = grants.Validate(grant, "session-abc123")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	// Grants expire.
	clock.Advance(2 * time.Hour)
	_, err = grants.Validate(grant, "session-ABC123")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/pkg/geo"
	"parkbeat/pkg/logging"
	"parkbeat/pkg/models"
	"parkbeat/pkg/testutil"
)

var fixtures = testutil.NewDatabaseFixtures()

func newTestStore(t *testing.T) (*ProjectStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logging.NewLogger()), mock
}

func projectRows(projects ...models.Project) *sqlmock.Rows {
	rows := sqlmock.NewRows(testutil.ProjectColumns)
	for _, p := range projects {
		rows.AddRow(fixtures.ProjectRow(p)...)
	}
	return rows
}

func TestGetProject(t *testing.T) {
	s, mock := newTestStore(t)
	want := fixtures.ProjectValid()

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs(want.ID).
		WillReturnRows(projectRows(want))

	got, err := s.GetProject(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Status, got.Status)
	require.NotNil(t, got.Cost)
	assert.EqualValues(t, 215000, got.Cost.TotalCents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(testutil.ProjectColumns))

	_, err := s.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectNullOptionals(t *testing.T) {
	s, mock := newTestStore(t)
	want := fixtures.ProjectWithNulls()

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs(want.ID).
		WillReturnRows(projectRows(want))

	got, err := s.GetProject(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Description)
	assert.Nil(t, got.Heading)
	assert.Nil(t, got.Cost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectRecomputesGeohash(t *testing.T) {
	s, mock := newTestStore(t)
	input := fixtures.ProjectValid()
	input.Geohash = "stale-value"
	wantHash := geo.Encode(input.Lat, input.Lng)

	stored := input
	stored.Geohash = wantHash

	mock.ExpectQuery(`SELECT created_by FROM projects WHERE id = \$1`).
		WithArgs(input.ID).
		WillReturnRows(sqlmock.NewRows([]string{"created_by"})) // new project

	mock.ExpectQuery(`INSERT INTO projects`).
		WithArgs(input.ID, input.Name, sqlmock.AnyArg(), sqlmock.AnyArg(),
			input.Lat, input.Lng, wantHash, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"user-123", sqlmock.AnyArg()).
		WillReturnRows(projectRows(stored))

	got, err := s.UpsertProject(context.Background(), input, "user-123")
	require.NoError(t, err)
	assert.Equal(t, wantHash, got.Geohash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectRejectsForeignWriter(t *testing.T) {
	s, mock := newTestStore(t)
	input := fixtures.ProjectValid()

	mock.ExpectQuery(`SELECT created_by FROM projects WHERE id = \$1`).
		WithArgs(input.ID).
		WillReturnRows(sqlmock.NewRows([]string{"created_by"}).AddRow("user-123"))

	_, err := s.UpsertProject(context.Background(), input, "intruder")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectDefaultsInvalidStatus(t *testing.T) {
	s, mock := newTestStore(t)
	input := fixtures.ProjectWithNulls()
	input.Status = models.ProjectStatus("bogus")

	stored := input
	stored.Status = models.StatusDraft
	stored.Geohash = geo.Encode(input.Lat, input.Lng)

	mock.ExpectQuery(`SELECT created_by FROM projects WHERE id = \$1`).
		WithArgs(input.ID).
		WillReturnRows(sqlmock.NewRows([]string{"created_by"}))

	mock.ExpectQuery(`INSERT INTO projects`).
		WillReturnRows(projectRows(stored))

	got, err := s.UpsertProject(context.Background(), input, "user-123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProjectReturnsPrevious(t *testing.T) {
	s, mock := newTestStore(t)
	previous := fixtures.ProjectValid()
	previous.Status = models.StatusDraft

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs(previous.ID).
		WillReturnRows(projectRows(previous))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM projects WHERE id = $1`)).
		WithArgs(previous.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.DeleteProject(context.Background(), previous.ID, "user-123")
	require.NoError(t, err)
	assert.Equal(t, previous.Geohash, got.Geohash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProjectRejectsActive(t *testing.T) {
	s, mock := newTestStore(t)
	active := fixtures.ProjectValid() // status active

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs(active.ID).
		WillReturnRows(projectRows(active))

	_, err := s.DeleteProject(context.Background(), active.ID, "user-123")
	assert.ErrorIs(t, err, ErrActiveProject)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProjectRejectsForeignWriter(t *testing.T) {
	s, mock := newTestStore(t)
	previous := fixtures.ProjectValid()
	previous.Status = models.StatusDraft

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE id = \$1`).
		WithArgs(previous.ID).
		WillReturnRows(projectRows(previous))

	_, err := s.DeleteProject(context.Background(), previous.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByGeohashPrefix(t *testing.T) {
	s, mock := newTestStore(t)
	a := fixtures.ProjectValid()
	b := fixtures.ProjectWithNulls()

	mock.ExpectQuery(`SELECT .+ FROM projects WHERE geohash LIKE \$1 \|\| '%' ORDER BY created_at`).
		WithArgs("dr5").
		WillReturnRows(projectRows(a, b))

	projects, err := s.QueryByGeohashPrefix(context.Background(), "dr5")
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, a.ID, projects[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddContributionDeduplicatesByID(t *testing.T) {
	s, mock := newTestStore(t)
	original := fixtures.FundingContribution("c1", "p1", "u1", 5000,
		time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	// The insert conflicts and writes nothing; the read-back returns the
	// original row, not the replayed one.
	replay := original
	bigger := int64(9999)
	replay.AmountCents = &bigger

	mock.ExpectExec(`INSERT INTO project_contributions`).
		WithArgs(replay.ID, replay.ProjectID, replay.UserID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM project_contributions WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(testutil.ContributionColumns).
			AddRow(fixtures.ContributionRow(original)...))

	stored, err := s.AddContribution(context.Background(), replay)
	require.NoError(t, err)
	require.NotNil(t, stored.AmountCents)
	assert.EqualValues(t, 5000, *stored.AmountCents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id, name, avatar_url FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "avatar_url"}).
			AddRow("u1", "Dana", nil))

	u, err := s.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Dana", u.Name)
	assert.Nil(t, u.AvatarURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id, name, avatar_url FROM users WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "avatar_url"}))

	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

package repository_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"reconciler-service/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestCooldownActive(t *testing.T) {
	t.Run("no row means no cooldown", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := repository.NewGormDispatchRepo(gormDB)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "alert_cooldowns"`)).
			WillReturnRows(sqlmock.NewRows([]string{}))

		active, err := repo.CooldownActive(context.Background(), "chat_1|payment_problem", 6*time.Hour)
		assert.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("recent send inside the window", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := repository.NewGormDispatchRepo(gormDB)

		rows := sqlmock.NewRows([]string{"key", "last_sent_at"}).
			AddRow("chat_1|payment_problem", time.Now().UTC().Add(-time.Hour))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "alert_cooldowns"`)).
			WillReturnRows(rows)

		active, err := repo.CooldownActive(context.Background(), "chat_1|payment_problem", 6*time.Hour)
		assert.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("old send outside the window", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := repository.NewGormDispatchRepo(gormDB)

		rows := sqlmock.NewRows([]string{"key", "last_sent_at"}).
			AddRow("chat_1|payment_problem", time.Now().UTC().Add(-7*time.Hour))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "alert_cooldowns"`)).
			WillReturnRows(rows)

		active, err := repo.CooldownActive(context.Background(), "chat_1|payment_problem", 6*time.Hour)
		assert.NoError(t, err)
		assert.False(t, active)
	})
}

func TestGetCaseChannel_Missing(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormDispatchRepo(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "case_channels"`)).
		WillReturnRows(sqlmock.NewRows([]string{}))

	channelID, err := repo.GetCaseChannel(context.Background(), "case:mem_1:pay_9")
	assert.NoError(t, err)
	assert.Empty(t, channelID)
}

func TestGetCaseChannel_Found(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormDispatchRepo(gormDB)

	rows := sqlmock.NewRows([]string{"case_key", "channel_id", "created_at"}).
		AddRow("case:mem_1:pay_9", "chan_1", time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "case_channels"`)).
		WillReturnRows(rows)

	channelID, err := repo.GetCaseChannel(context.Background(), "case:mem_1:pay_9")
	assert.NoError(t, err)
	assert.Equal(t, "chan_1", channelID)
}

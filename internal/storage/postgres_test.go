package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

func newMockPostgres(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresStore(sqlx.NewDb(db, "postgres"), time.Hour, logx.Nop()), mock
}

func TestPostgresMarkSeen(t *testing.T) {
	st, mock := newMockPostgres(t)
	ctx := context.Background()

	testCases := []struct {
		name      string
		setupMock func()
		want      bool
		wantErr   bool
	}{
		{
			name: "inserts new record",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO seen_items").
					WithArgs("11", t0, t0.Add(-time.Hour)).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name: "live record is left alone",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO seen_items").
					WithArgs("11", t0, t0.Add(-time.Hour)).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
		{
			name: "database failure is a store error",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO seen_items").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setupMock()
			got, err := st.MarkSeen(ctx, "11", t0)
			if (err != nil) != tc.wantErr {
				t.Fatalf("MarkSeen() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && !errors.Is(err, news.ErrStoreUnavailable) {
				t.Fatalf("error %v is not a StoreError", err)
			}
			if got != tc.want {
				t.Fatalf("MarkSeen() = %v, want %v", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresHasSeen(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("11", t0.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := st.HasSeen(context.Background(), "11", t0)
	if err != nil || !seen {
		t.Fatalf("HasSeen = %v, %v", seen, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresPrune(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec("DELETE FROM seen_items").
		WithArgs(t0.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.Prune(context.Background(), t0)
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresRegistry(t *testing.T) {
	st, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO subscribers").
		WithArgs("77").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT recipient_id FROM subscribers").
		WillReturnRows(sqlmock.NewRows([]string{"recipient_id"}).AddRow("77").AddRow("78"))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("77").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("DELETE FROM subscribers").
		WithArgs("99").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if added, err := st.AddSubscriber(ctx, "77"); err != nil || !added {
		t.Fatalf("AddSubscriber = %v, %v", added, err)
	}
	ids, err := st.ListSubscribers(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "77" {
		t.Fatalf("ListSubscribers = %v, %v", ids, err)
	}
	if ok, err := st.IsSubscribed(ctx, "77"); err != nil || !ok {
		t.Fatalf("IsSubscribed = %v, %v", ok, err)
	}
	if removed, err := st.RemoveSubscriber(ctx, "99"); err != nil || removed {
		t.Fatalf("RemoveSubscriber(non-member) = %v, %v", removed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresListFailure(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT recipient_id FROM subscribers").WillReturnError(sql.ErrConnDone)

	_, err := st.ListSubscribers(context.Background())
	var se *news.StoreError
	if !errors.As(err, &se) || se.Op != "list_subscribers" {
		t.Fatalf("err = %v", err)
	}
}

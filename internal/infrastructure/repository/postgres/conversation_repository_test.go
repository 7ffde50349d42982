package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func newConversationRepoWithMock(t *testing.T) (*ConversationRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	repo := NewConversationRepository(db)
	repo.now = func() time.Time { return time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC) }
	return repo, mock, func() { _ = db.Close() }
}

func TestConversationCreateAssignsID(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), int64(5), time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conv, err := repo.Create(context.Background(), 5)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.ID == "" || conv.PatientID != 5 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConversationGetReturnsNilWhenMissing(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectQuery("FROM conversations").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	conv, err := repo.Get(context.Background(), "missing")
	if err != nil || conv != nil {
		t.Fatalf("expected nil conversation, got %+v %v", conv, err)
	}
}

func TestAppendMessageReturnsNotFoundWhenNoConversation(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.AppendMessage(context.Background(), "missing", domain.RoleUser, "hi")
	if !domain.IsKind(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessageInsertsInTransaction(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations").
		WithArgs("conv-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", domain.RoleAssistant, "Your LDL was 110 mg/dL.", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := repo.AppendMessage(context.Background(), "conv-1", domain.RoleAssistant, "Your LDL was 110 mg/dL.")
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if msg.ID == "" || msg.ConversationID != "conv-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRecentMessagesReturnsChronologicalOrder(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "created_at"}).
		AddRow("m3", "conv-1", "user", "third", base.Add(2*time.Minute)).
		AddRow("m2", "conv-1", "assistant", "second", base.Add(time.Minute)).
		AddRow("m1", "conv-1", "user", "first", base)
	mock.ExpectQuery("FROM conversation_messages").
		WithArgs("conv-1", 3).
		WillReturnRows(rows)

	got, err := repo.ListRecentMessages(context.Background(), "conv-1", 3)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
		t.Fatalf("expected chronological order, got %+v", got)
	}
}

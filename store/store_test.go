package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// setupStore connects to the database named by QUARRY_TEST_DATABASE_URL and
// returns a migrated store plus a cleanup that drops the created rows. Tests
// calling it are skipped when the variable is unset so the suite stays green
// without infrastructure.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("QUARRY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("QUARRY_TEST_DATABASE_URL not set, skipping store integration test")
	}

	s, err := Open(config.DatabaseConfig{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		db := s.DB()
		db.Exec("DELETE FROM messages")
		db.Exec("DELETE FROM chat_sessions")
		db.Exec("DELETE FROM experiments")
		db.Exec("DELETE FROM test_sets")
		db.Exec("DELETE FROM chunks")
		db.Exec("DELETE FROM documents")
		db.Exec("DELETE FROM memberships")
		db.Exec("DELETE FROM knowledge_bases")
		db.Exec("DELETE FROM users")
		s.Close()
	})

	return s
}

func makeUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u := &User{
		Username:       name,
		Email:          fmt.Sprintf("%s-%d@example.com", name, time.Now().UnixNano()),
		HashedPassword: "x",
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func makeKB(t *testing.T, s *Store, owner uint) *KnowledgeBase {
	t.Helper()
	kb := &KnowledgeBase{Name: "handbook", OwnerID: owner, ChunkSize: 1000, ChunkOverlap: 200}
	require.NoError(t, s.CreateKnowledgeBase(context.Background(), kb))
	return kb
}

// TestCreateUser_FirstIsSuperuser tests the bootstrap rule
func TestCreateUser_FirstIsSuperuser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := makeUser(t, s, "first")
	assert.True(t, first.IsSuperuser)

	second := makeUser(t, s, "second")
	assert.False(t, second.IsSuperuser)

	// Duplicate email conflicts.
	dup := &User{Username: "third", Email: second.Email, HashedPassword: "x"}
	err := s.CreateUser(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))
}

// TestCreateKnowledgeBase_OwnerMembership tests the one-owner invariant
func TestCreateKnowledgeBase_OwnerMembership(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	kb := makeKB(t, s, owner.ID)

	members, err := s.ListMembers(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, RoleOwner, members[0].Role)
	assert.Equal(t, owner.ID, members[0].UserID)

	role, err := s.RoleFor(ctx, kb.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)

	stranger := makeUser(t, s, "stranger")
	_, err = s.RoleFor(ctx, kb.ID, stranger.ID)
	assert.Equal(t, common.KindAuthForbidden, common.KindOf(err))
}

// TestMembership_Lifecycle tests add, update, remove and the owner guards
func TestMembership_Lifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	editor := makeUser(t, s, "editor")
	kb := makeKB(t, s, owner.ID)

	require.NoError(t, s.AddMember(ctx, kb.ID, editor.ID, RoleEditor))

	// Duplicate membership conflicts.
	err := s.AddMember(ctx, kb.ID, editor.ID, RoleViewer)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))

	// Direct OWNER grant is rejected.
	other := makeUser(t, s, "other")
	err = s.AddMember(ctx, kb.ID, other.ID, RoleOwner)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))

	require.NoError(t, s.UpdateMemberRole(ctx, kb.ID, editor.ID, RoleViewer))
	role, err := s.RoleFor(ctx, kb.ID, editor.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, role)

	// The owner cannot be demoted or removed.
	err = s.UpdateMemberRole(ctx, kb.ID, owner.ID, RoleViewer)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	err = s.RemoveMember(ctx, kb.ID, owner.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	require.NoError(t, s.RemoveMember(ctx, kb.ID, editor.ID))
	_, err = s.RoleFor(ctx, kb.ID, editor.ID)
	assert.Equal(t, common.KindAuthForbidden, common.KindOf(err))
}

// TestTransferOwnership tests the atomic owner swap
func TestTransferOwnership(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	heir := makeUser(t, s, "heir")
	kb := makeKB(t, s, owner.ID)

	// Non-member target fails and changes nothing.
	outsider := makeUser(t, s, "outsider")
	err := s.TransferOwnership(ctx, kb.ID, outsider.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	require.NoError(t, s.AddMember(ctx, kb.ID, heir.ID, RoleEditor))
	require.NoError(t, s.TransferOwnership(ctx, kb.ID, heir.ID))

	role, err := s.RoleFor(ctx, kb.ID, heir.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)

	role, err = s.RoleFor(ctx, kb.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)

	got, err := s.KnowledgeBaseByID(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, heir.ID, got.OwnerID)

	// Transferring to the current owner conflicts.
	err = s.TransferOwnership(ctx, kb.ID, heir.ID)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))
}

// TestAcquireDocument tests the acquire-and-mark claim semantics
func TestAcquireDocument(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	kb := makeKB(t, s, owner.ID)

	doc := &Document{KnowledgeBaseID: kb.ID, Filename: "a.pdf", BlobKey: "k/a.pdf"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	claimed, err := s.AcquireDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentProcessing, claimed.Status)

	// Second claim loses.
	_, err = s.AcquireDocument(ctx, doc.ID)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))

	// Completion replaces chunks and stamps counts.
	chunks := []Chunk{
		{DocumentID: doc.ID, KnowledgeBaseID: kb.ID, IndexDocID: "idx-1", Position: 0},
		{DocumentID: doc.ID, KnowledgeBaseID: kb.ID, IndexDocID: "idx-2", Position: 1},
	}
	require.NoError(t, s.CompleteDocument(ctx, doc.ID, 3, chunks))

	got, err := s.DocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentCompleted, got.Status)
	assert.Equal(t, 3, got.PageCount)
	assert.Equal(t, 2, got.ChunkCount)

	stored, err := s.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "idx-1", stored[0].IndexDocID)

	// Completing again conflicts: the row is no longer PROCESSING.
	err = s.CompleteDocument(ctx, doc.ID, 3, chunks)
	assert.Equal(t, common.KindConflictState, common.KindOf(err))
}

// TestMarkDocumentFailed_TruncatesError tests the 500-char bound
func TestMarkDocumentFailed_TruncatesError(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	kb := makeKB(t, s, owner.ID)
	doc := &Document{KnowledgeBaseID: kb.ID, Filename: "a.pdf", BlobKey: "k/a.pdf"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.NoError(t, s.MarkDocumentFailed(ctx, doc.ID, strings.Repeat("e", 900)))

	got, err := s.DocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentFailed, got.Status)
	assert.Len(t, got.Error, 500)
}

// TestSessions_TurnPersistence tests AppendTurn, history order and titles
func TestSessions_TurnPersistence(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	user := makeUser(t, s, "chatter")
	session := &ChatSession{UserID: user.ID, KnowledgeBaseIDs: IDList{1}}
	require.NoError(t, s.CreateSession(ctx, session))
	require.NotEmpty(t, session.ID)

	question := "how long do axolotls live in captivity and what do they eat"
	require.NoError(t, s.AppendTurn(ctx, session.ID,
		&Message{Content: question},
		&Message{Content: "10 to 15 years.", TokensTotal: 42, Sources: JSON(`[]`)},
	))

	got, err := s.SessionByID(ctx, session.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle(question), got.Title)

	// Second turn keeps the title.
	require.NoError(t, s.AppendTurn(ctx, session.ID,
		&Message{Content: "and in the wild?"},
		&Message{Content: "5 to 10 years.", Partial: true},
	))
	got, err = s.SessionByID(ctx, session.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle(question), got.Title)

	messages, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, RoleUserMessage, messages[0].Role)
	assert.Equal(t, RoleAssistantMessage, messages[1].Role)
	assert.True(t, messages[3].Partial)

	recent, err := s.RecentMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "and in the wild?", recent[0].Content)
	assert.Equal(t, "5 to 10 years.", recent[1].Content)

	// Other users cannot see the session.
	other := makeUser(t, s, "other")
	_, err = s.SessionByID(ctx, session.ID, other.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

// TestReconcileInterrupted tests startup repair of stranded rows
func TestReconcileInterrupted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	kb := makeKB(t, s, owner.ID)

	doc := &Document{KnowledgeBaseID: kb.ID, Filename: "a.pdf", BlobKey: "k/a.pdf"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	_, err := s.AcquireDocument(ctx, doc.ID)
	require.NoError(t, err)

	ts := &TestSet{KnowledgeBaseID: kb.ID, Name: "ts"}
	require.NoError(t, s.CreateTestSet(ctx, ts))
	_, err = s.AcquireTestSet(ctx, ts.ID)
	require.NoError(t, err)

	exp := &Experiment{KnowledgeBaseID: kb.ID, TestSetID: ts.ID, Name: "exp"}
	require.NoError(t, s.CreateExperiment(ctx, exp))
	_, err = s.AcquireExperiment(ctx, exp.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkKnowledgeDeleting(ctx, kb.ID))

	repaired, err := s.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), repaired)

	gotDoc, _ := s.DocumentByID(ctx, doc.ID)
	assert.Equal(t, DocumentFailed, gotDoc.Status)
	assert.Equal(t, InterruptedMessage, gotDoc.Error)

	gotTS, _ := s.TestSetByID(ctx, ts.ID)
	assert.Equal(t, TestSetFailed, gotTS.Status)

	gotExp, _ := s.ExperimentByID(ctx, exp.ID)
	assert.Equal(t, ExperimentFailed, gotExp.Status)

	gotKB, _ := s.KnowledgeBaseByID(ctx, kb.ID)
	assert.Equal(t, KnowledgeFailed, gotKB.Status)

	// Idempotent: nothing left to repair.
	repaired, err = s.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

// TestDeleteKnowledgeBaseRows tests full relational teardown
func TestDeleteKnowledgeBaseRows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	owner := makeUser(t, s, "owner")
	kb := makeKB(t, s, owner.ID)

	doc := &Document{KnowledgeBaseID: kb.ID, Filename: "a.txt", BlobKey: "k/a.txt"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	_, err := s.AcquireDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, s.CompleteDocument(ctx, doc.ID, 1, []Chunk{
		{DocumentID: doc.ID, KnowledgeBaseID: kb.ID, IndexDocID: "x", Position: 0},
	}))

	require.NoError(t, s.DeleteKnowledgeBaseRows(ctx, kb.ID))

	_, err = s.KnowledgeBaseByID(ctx, kb.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	_, err = s.DocumentByID(ctx, doc.ID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	chunks, err := s.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

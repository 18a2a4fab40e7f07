package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (m *memStore) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:artifact_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func documentXML(t *testing.T, docx []byte) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(docx), int64(len(docx)))
	require.NoError(t, err)
	names := map[string]bool{}
	var doc string
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			require.NoError(t, err)
			b, _ := io.ReadAll(rc)
			_ = rc.Close()
			doc = string(b)
		}
	}
	for _, n := range []string{"[Content_Types].xml", "_rels/.rels", "word/styles.xml", "word/_rels/document.xml.rels"} {
		require.True(t, names[n], "missing part %s", n)
	}
	return doc
}

func TestRender_StructureAndEscaping(t *testing.T) {
	md := "# Service Agreement\n\n## 1. Parties\n\nThis agreement is between **Acme & Co** and *Bob* <bob@x.com>. Fee < 5% of rent.\n\n1. Pay `100 EUR`\n2. Deliver\n\n- one\n- two\n\n> quoted\n"
	out, err := NewRenderer().Render("ignored", md)
	require.NoError(t, err)
	doc := documentXML(t, out)

	assert.Contains(t, doc, `w:val="Title"`)
	assert.Contains(t, doc, `w:val="Heading2"`)
	assert.Contains(t, doc, "Service Agreement")
	assert.Contains(t, doc, "Acme &amp; Co")
	assert.Regexp(t, `<w:b[ />]`, doc)
	assert.Regexp(t, `<w:i[ />]`, doc)
	assert.Contains(t, doc, "bob@x.com")
	assert.NotContains(t, doc, "mailto:")
	assert.Contains(t, doc, "&lt; 5%")
	for _, s := range []string{"100 EUR", "Deliver", "one", "two", "quoted"} {
		assert.Contains(t, doc, s)
	}
	assert.NotContains(t, doc, "ignored", "markdown title wins")
}

func TestRender_UsesTitleWithoutHeading(t *testing.T) {
	out, err := NewRenderer().Render("Lease", "Plain body only.")
	require.NoError(t, err)
	doc := documentXML(t, out)
	assert.True(t, strings.Index(doc, "Lease") < strings.Index(doc, "Plain body only."))
}

func TestBuild_NoDedup(t *testing.T) {
	store := &memStore{}
	b := NewBuilder(store)
	a1, err := b.Build(context.Background(), "NDA", "# NDA\n\nTerms")
	require.NoError(t, err)
	a2, err := b.Build(context.Background(), "NDA", "# NDA\n\nTerms")
	require.NoError(t, err)
	assert.NotEqual(t, a1.Key, a2.Key)
	assert.NotEqual(t, a1.URL, a2.URL)
	assert.Len(t, store.objects, 2)
	assert.Equal(t, DocxContentType, a1.ContentType)

	_, err = b.Build(context.Background(), "NDA", "  ")
	assert.ErrorIs(t, err, ErrNoContract)

	store.fail = errors.New("s3 down")
	_, err = b.Build(context.Background(), "NDA", "x")
	assert.Error(t, err)
}

func TestCreateForMessage_AttachesOnceToHumanParty(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	chat, err := repo.CreateChatWithState(ctx, db, "owner-1", "Office Lease", domain.ContextOfferor)
	require.NoError(t, err)
	contract := "# Office Lease\n\nRent is due monthly."
	msg, err := repo.CreateMessage(ctx, db, repo.MessageInput{ChatID: chat.ID, Text: "Here it is", ContractText: &contract})
	require.NoError(t, err)

	b := NewBuilder(&memStore{})
	f, created, err := b.CreateForMessage(ctx, db, msg.ID)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "owner-1", f.UserID)
	assert.Equal(t, domain.FileDocument, f.Type)
	require.NotNil(t, f.MessageID)
	assert.Equal(t, msg.ID, *f.MessageID)
	assert.True(t, strings.HasPrefix(f.Key, "contracts/office-lease-"))

	// Redelivery is a no-op.
	_, created, err = b.CreateForMessage(ctx, db, msg.ID)
	require.NoError(t, err)
	assert.False(t, created)
	n, _ := repo.CountDocuments(ctx, db, chat.ID)
	assert.EqualValues(t, 1, n)

	plain, _ := repo.CreateMessage(ctx, db, repo.MessageInput{ChatID: chat.ID, Text: "no contract"})
	_, _, err = b.CreateForMessage(ctx, db, plain.ID)
	assert.ErrorIs(t, err, ErrNoContract)
}

func TestAttachCopy_ReusesURL(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	chat, err := repo.CreateChatWithState(ctx, db, "u2", "Contract Review", domain.ContextOfferee)
	require.NoError(t, err)

	f, err := NewBuilder(&memStore{}).AttachCopy(ctx, db, chat.ID, "u2", "", "https://cdn.test/contracts/nda-01.docx")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/contracts/nda-01.docx", f.URL)
	assert.Equal(t, "contracts/nda-01.docx", f.Key)
	assert.Nil(t, f.MessageID)
}

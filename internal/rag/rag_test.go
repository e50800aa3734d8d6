package rag

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/abhi9avx/cognigraph-ai/internal/embeddings"
	"github.com/abhi9avx/cognigraph-ai/internal/middleware"
	"github.com/abhi9avx/cognigraph-ai/internal/router/routertest"
	"github.com/abhi9avx/cognigraph-ai/internal/vectorstore"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Chunker ─────────────────────────────────────────────────

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("word%03d", i)
	}
	return strings.Join(w, " ")
}

func TestChunkText_ShortTextIsOneChunk(t *testing.T) {
	chunks := ChunkText("Nike designs athletic footwear.", DefaultChunkerConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, "Nike designs athletic footwear.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.NotNil(t, chunks[0].Metadata)
}

func TestChunkText_DropsWhitespaceOnly(t *testing.T) {
	assert.Empty(t, ChunkText("", DefaultChunkerConfig()))
	assert.Empty(t, ChunkText(" \n\n\t ", DefaultChunkerConfig()))
}

func TestChunkText_RespectsSizeAndOverlaps(t *testing.T) {
	text := words(300) // 2399 runes
	chunks := ChunkText(text, DefaultChunkerConfig())
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), DefaultChunkSize)
		if i == 0 {
			continue
		}
		first := strings.Fields(c.Text)[0]
		assert.Contains(t, chunks[i-1].Text, first, "chunk %d starts inside the previous chunk", i)
	}

	seen := map[string]bool{}
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Text) {
			seen[w] = true
		}
	}
	assert.Len(t, seen, 300, "every word survives splitting")
}

func TestChunkText_PrefersParagraphs(t *testing.T) {
	cfg := ChunkerConfig{ChunkSize: 10}
	chunks := ChunkText("para one\n\npara two", cfg)
	require.Len(t, chunks, 2)
	assert.Equal(t, "para one", chunks[0].Text)
	assert.Equal(t, "para two", chunks[1].Text)
}

func TestChunkText_FallsBackToRunes(t *testing.T) {
	chunks := ChunkText(strings.Repeat("abcdefghij", 3), ChunkerConfig{ChunkSize: 10})
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, "abcdefghij", c.Text)
	}
}

func TestChunkText_Passthrough(t *testing.T) {
	chunks := ChunkText(words(300), ChunkerConfig{ChunkSize: 10, Passthrough: true})
	require.Len(t, chunks, 1)
}

// ── Loader ──────────────────────────────────────────────────

func writeDocx(t *testing.T, path string, paragraphs ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)

	var body strings.Builder
	for _, p := range paragraphs {
		fmt.Fprintf(&body, "<w:p><w:r><w:t>%s</w:t></w:r></w:p>", p)
	}
	_, err = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>%s</w:body></w:document>`, body.String())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestFileLoader_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	docs, err := NewFileLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "hello", docs[0].Content)
	assert.Equal(t, MIMEText, docs[0].MIMEType)
	assert.Equal(t, path, docs[0].Metadata["source"])
}

func TestFileLoader_Docx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.docx")
	writeDocx(t, path, "Nike growth story", "Revenue rose.")

	docs, err := NewFileLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Nike growth story\nRevenue rose.", docs[0].Content)
	assert.Equal(t, MIMEDOCX, docs[0].MIMEType)
}

func TestFileLoader_WalksDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89}, 0o644))

	docs, err := NewFileLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, MIMEMarkdown, docs[0].MIMEType)
	assert.Equal(t, "B", docs[1].Content)
}

func TestFileLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(png, []byte{0x89}, 0o644))

	_, err := NewFileLoader().Load(context.Background(), png)
	assert.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = NewFileLoader().Load(context.Background(), filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileLoader_MalformedPDF(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"truncated.pdf": "%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R",
		"bad-xref.pdf":  "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\nxref\n0 2\n0000000000 65535 f \n99999\ntrailer\n<< /Size 2 /Root 1 0 R >>\nstartxref\n40\n%%EOF\n",
		"no-pages.pdf":  "%PDF-1.4\ntrailer\n<< /Root << /Pages 7 >> >>\nstartxref\n9\n%%EOF\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

			var docs []models.RawDocument
			var err error
			require.NotPanics(t, func() {
				docs, err = NewFileLoader().Load(context.Background(), path)
			})
			if err != nil {
				assert.Contains(t, err.Error(), path)
				assert.Nil(t, docs)
			}
		})
	}
}

func TestLoadPDF_PanicBecomesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7\n%%EOF"), 0o644))

	require.NotPanics(t, func() {
		docs, err := loadPDF(path)
		assert.Error(t, err)
		assert.Nil(t, docs)
	})
}

// ── Ingest + Query ──────────────────────────────────────────

var corpus = []models.RawDocument{
	{ID: "nike", Content: "Nike revenue grew in fiscal 2023 driven by footwear sales"},
	{ID: "weather", Content: "The weather in Bangalore is sunny and warm today"},
	{ID: "python", Content: "Python is a popular programming language"},
}

func newTestIndex(t *testing.T) (*Ingester, *vectorstore.EmbeddedStore, *embeddings.HashDriver) {
	t.Helper()
	emb := embeddings.NewHashDriver(1024)
	vs := vectorstore.NewEmbeddedStore()
	return NewIngester(nil, emb, vs, DefaultChunkerConfig()), vs, emb
}

func TestIngest_Documents(t *testing.T) {
	ing, vs, _ := newTestIndex(t)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus, Namespace: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.DocumentsProcessed)
	assert.Equal(t, 3, res.ChunksCreated)
	assert.Equal(t, 3, res.VectorsStored)

	n, err := vs.Count(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIngest_Sources(t *testing.T) {
	ing, vs, _ := newTestIndex(t)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "long.txt"), []byte(words(300)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blank.txt"), []byte("   \n"), 0o644))

	res, err := ing.Ingest(ctx, models.IngestRequest{Collection: "files", Sources: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.DocumentsProcessed)
	assert.Greater(t, res.ChunksCreated, 2, "blank file contributes no chunks")

	n, err := vs.Count(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, res.ChunksCreated, n)
}

func TestIngest_NothingToIngest(t *testing.T) {
	ing, _, _ := newTestIndex(t)
	_, err := ing.Ingest(context.Background(), models.IngestRequest{})
	assert.ErrorIs(t, err, ErrNothingToIngest)
}

func TestPipeline_NaiveQuery(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus})
	require.NoError(t, err)

	p := NewPipeline(emb, vs)
	res, err := p.Query(ctx, models.QueryRequest{Question: "What was Nike revenue in 2023?"})
	require.NoError(t, err)
	assert.Equal(t, models.RetrievalNaive, res.Strategy)
	require.Len(t, res.Sources, 3, "default k is 4, three chunks exist")
	assert.Equal(t, "nike", res.Sources[0].Doc.Metadata["source"])

	res, err = p.Query(ctx, models.QueryRequest{Question: "Nike revenue", MinScore: 0.99})
	require.NoError(t, err)
	assert.NotNil(t, res.Sources)
	assert.Empty(t, res.Sources)

	_, err = p.Query(ctx, models.QueryRequest{Question: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = p.Query(ctx, models.QueryRequest{Question: "x", Strategy: "sentence_window"})
	assert.Error(t, err)

	_, err = p.Query(ctx, models.QueryRequest{Question: "x", Strategy: models.RetrievalHyDE})
	assert.Error(t, err, "hyde needs a gateway")
}

func TestPipeline_Namespaces(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus[:1], Namespace: "a"})
	require.NoError(t, err)
	_, err = ing.Ingest(ctx, models.IngestRequest{Documents: corpus[1:], Namespace: "b"})
	require.NoError(t, err)

	res, err := NewPipeline(emb, vs).Query(ctx, models.QueryRequest{Question: "Nike revenue", Namespace: "b"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	for _, s := range res.Sources {
		assert.Equal(t, "b", s.Doc.Namespace)
	}
}

func TestPipeline_HyDE(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus})
	require.NoError(t, err)

	gw := routertest.NewScripted(routertest.Final("Nike revenue was 51 billion dollars in fiscal 2023"))
	p := NewPipeline(emb, vs, WithGateway(gw, "google-genai:gemini-2.5-flash-lite"))

	res, err := p.Query(ctx, models.QueryRequest{Question: "How did the company do?", Strategy: models.RetrievalHyDE, TopK: 1})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "nike", res.Sources[0].Doc.Metadata["source"])
	require.Equal(t, 1, gw.Calls())
	assert.Equal(t, "google-genai:gemini-2.5-flash-lite", gw.Requests()[0].Model)
}

func TestPipeline_HyDEFallsBackToNaive(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus})
	require.NoError(t, err)

	gw := routertest.NewScripted(routertest.Fail(routertest.GatewayFailure("m")))
	res, err := NewPipeline(emb, vs, WithGateway(gw, "m")).Query(ctx, models.QueryRequest{
		Question: "weather in Bangalore", Strategy: models.RetrievalHyDE, TopK: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "weather", res.Sources[0].Doc.Metadata["source"])
}

func TestPipeline_MultiQuery(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus})
	require.NoError(t, err)

	gw := routertest.NewScripted(routertest.Final("1. Nike revenue 2023\n- Bangalore weather today\n"))
	res, err := NewPipeline(emb, vs, WithGateway(gw, "m")).Query(ctx, models.QueryRequest{
		Question: "Compare Nike results with the weather", Strategy: models.RetrievalMultiQuery, TopK: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	var sources []string
	for _, s := range res.Sources {
		sources = append(sources, s.Doc.Metadata["source"])
	}
	assert.ElementsMatch(t, []string{"nike", "weather"}, sources)
	assert.GreaterOrEqual(t, res.Sources[0].Score, res.Sources[1].Score)
}

type failingEmbedder struct{ *embeddings.HashDriver }

func (failingEmbedder) Embed(context.Context, []string) ([][]float64, error) {
	return nil, errors.New("embedding backend down")
}

func TestPipeline_MultiQueryAllSubQueriesFail(t *testing.T) {
	_, vs, emb := newTestIndex(t)
	gw := routertest.NewScripted(routertest.Final("Nike revenue 2023\nBangalore weather today"))

	_, err := NewPipeline(failingEmbedder{emb}, vs, WithGateway(gw, "m")).Query(context.Background(), models.QueryRequest{
		Question: "Compare Nike results with the weather", Strategy: models.RetrievalMultiQuery, TopK: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding backend down")
}

func TestParseSubQueries(t *testing.T) {
	got := parseSubQueries("1. What is revenue?\n\n- Who is CEO?\n* 2023 margins\n2) Growth")
	assert.Equal(t, []string{"What is revenue?", "Who is CEO?", "2023 margins", "Growth"}, got)
}

// ── Prompt + lazy index ─────────────────────────────────────

func TestContextPromptFunc(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, models.IngestRequest{Documents: corpus})
	require.NoError(t, err)

	stage := middleware.NewDynamicPrompt("rag_context", NewContextPromptFunc(NewPipeline(emb, vs), "Nike", 1))
	chain, err := middleware.NewChain(stage)
	require.NoError(t, err)
	gw := routertest.NewScripted(routertest.Final("Revenue grew."))

	_, err = chain.Then(gw.Generate)(ctx, &models.ModelRequest{
		Model: "m",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleAssistant, Content: "hi"},
			{Role: models.RoleUser, Content: "How did Nike revenue change in 2023?"},
		},
	})
	require.NoError(t, err)

	prompt := gw.Requests()[0].SystemPrompt
	assert.Equal(t, ContextPrompt("Nike", []models.SearchResult{{Doc: models.VectorDoc{Content: corpus[0].Content}}}), prompt)
	assert.True(t, strings.HasPrefix(prompt, "You are a helpful assistant that can answer questions about Nike."))
	assert.Contains(t, prompt, "footwear sales")
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, int) ([]models.SearchResult, error) {
	return nil, errors.New("index offline")
}

func TestContextPromptFunc_Errors(t *testing.T) {
	fn := NewContextPromptFunc(failingRetriever{}, "Nike", 0)
	_, err := fn(context.Background(), &models.ModelRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "q"}}})
	assert.ErrorContains(t, err, "index offline")

	prompt, err := fn(context.Background(), &models.ModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, ContextPrompt("Nike", nil), prompt)
}

func TestLazyIndex_BuildsOnce(t *testing.T) {
	ing, vs, emb := newTestIndex(t)
	var builds atomic.Int32
	p := NewPipeline(emb, vs)
	build := IngestThen(ing, models.IngestRequest{Documents: corpus}, p)
	idx := NewLazyIndex(func(ctx context.Context) (*Pipeline, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return build(ctx)
	})
	assert.False(t, idx.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := idx.Retrieve(context.Background(), "Nike revenue", 1)
			assert.NoError(t, err)
			assert.Len(t, res, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	assert.True(t, idx.Ready())
	n, _ := vs.Count(context.Background(), DefaultCollection)
	assert.Equal(t, 3, n, "sources ingested exactly once")
}

func TestLazyIndex_RetriesAfterFailure(t *testing.T) {
	_, vs, emb := newTestIndex(t)
	var calls atomic.Int32
	idx := NewLazyIndex(func(context.Context) (*Pipeline, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("pdf missing")
		}
		return NewPipeline(emb, vs), nil
	})

	_, err := idx.Get(context.Background())
	require.Error(t, err)
	assert.False(t, idx.Ready())

	_, err = idx.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, idx.Ready())
}

func TestLazyIndex_CallerCancellation(t *testing.T) {
	_, vs, emb := newTestIndex(t)
	release := make(chan struct{})
	idx := NewLazyIndex(func(ctx context.Context) (*Pipeline, error) {
		<-release
		return NewPipeline(emb, vs), ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := idx.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, idx.Ready, time.Second, 5*time.Millisecond, "build completes for later callers")
}
